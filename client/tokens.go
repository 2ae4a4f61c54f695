package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

// WriteResult is the outcome of a token write.
type WriteResult struct {
	OperationID string       `json:"operation_id,omitempty"`
	Intent      string       `json:"intent"`
	Mint        string       `json:"mint,omitempty"`
	Message     string       `json:"message,omitempty"`
	Units       []UnitResult `json:"units"`
	// Committed lists the signatures of transactions that confirmed.
	Committed []string `json:"committed"`
}

// UnitResult reports one transaction of a write.
type UnitResult struct {
	Label     string `json:"label"`
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CreateToken creates a new mint owned by the server's connected wallet.
func (c *Client) CreateToken(ctx context.Context, name, symbol string, decimals uint8) (*WriteResult, error) {
	reqBody := map[string]interface{}{
		"name":     name,
		"symbol":   symbol,
		"decimals": decimals,
	}

	var result WriteResult
	if err := c.do(ctx, "POST", "/api/v1/tokens", nil, reqBody, &result); err != nil {
		return nil, err
	}

	c.logger.Debug("token created", "mint", result.Mint, "decimals", decimals)
	return &result, nil
}

// MintToken mints amount of mint to destination. An empty destination mints
// to the connected wallet.
func (c *Client) MintToken(ctx context.Context, mint string, amount decimal.Decimal, destination string) (*WriteResult, error) {
	reqBody := map[string]interface{}{
		"amount": amount.String(),
	}
	if destination != "" {
		reqBody["destination"] = destination
	}

	var result WriteResult
	path := fmt.Sprintf("/api/v1/tokens/%s/mint", url.PathEscape(mint))
	if err := c.do(ctx, "POST", path, nil, reqBody, &result); err != nil {
		return nil, err
	}

	c.logger.Debug("token minted", "mint", mint, "amount", amount)
	return &result, nil
}

// SendToken transfers amount of mint to receiver.
func (c *Client) SendToken(ctx context.Context, mint string, amount decimal.Decimal, receiver string) (*WriteResult, error) {
	reqBody := map[string]interface{}{
		"amount":   amount.String(),
		"receiver": receiver,
	}

	var result WriteResult
	path := fmt.Sprintf("/api/v1/tokens/%s/send", url.PathEscape(mint))
	if err := c.do(ctx, "POST", path, nil, reqBody, &result); err != nil {
		return nil, err
	}

	c.logger.Debug("token sent", "mint", mint, "amount", amount, "receiver", receiver)
	return &result, nil
}
