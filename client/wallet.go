package client

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the connection state of the server's desk.
type Wallet struct {
	Connected         bool            `json:"connected"`
	Address           string          `json:"address,omitempty"`
	Network           string          `json:"network"`
	SOLBalance        decimal.Decimal `json:"sol_balance"`
	HoldingCount      int             `json:"holding_count"`
	RecordCount       int             `json:"record_count"`
	BalancesUpdatedAt *time.Time      `json:"balances_updated_at,omitempty"`
	HistoryUpdatedAt  *time.Time      `json:"history_updated_at,omitempty"`
	InFlight          *InFlight       `json:"in_flight,omitempty"`
}

// InFlight describes the write currently holding the desk.
type InFlight struct {
	Intent    string    `json:"intent"`
	StartedAt time.Time `json:"started_at"`
}

// Holdings is the token balance listing of an owner.
type Holdings struct {
	Owner      string          `json:"owner"`
	SOLBalance decimal.Decimal `json:"sol_balance"`
	Holdings   []Holding       `json:"holdings"`
	// Skipped counts token accounts that could not be decoded.
	Skipped int `json:"skipped"`
	// Warning is set when only part of the balances could be read.
	Warning   string     `json:"warning,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Holding is one token account balance.
type Holding struct {
	Mint             string          `json:"mint"`
	TokenAccount     string          `json:"token_account"`
	RawAmount        uint64          `json:"raw_amount"`
	Decimals         uint8           `json:"decimals"`
	Balance          decimal.Decimal `json:"balance"`
	DecimalsFallback bool            `json:"decimals_fallback,omitempty"`
	Name             string          `json:"name,omitempty"`
	Symbol           string          `json:"symbol,omitempty"`
}

// History is a list of transaction records.
type History struct {
	Owner     string     `json:"owner"`
	Source    string     `json:"source"`
	Records   []Record   `json:"records"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Record is a transaction summarized for display.
type Record struct {
	Signature       string     `json:"signature"`
	Slot            uint64     `json:"slot"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	Status          string     `json:"status"`
	Type            string     `json:"type"`
	Details         string     `json:"details"`
	Mint            *string    `json:"mint,omitempty"`
	DecimalsGuessed bool       `json:"decimals_guessed,omitempty"`
}

// Notification is a short-lived message raised by the desk.
type Notification struct {
	ID        string    `json:"id"`
	Wallet    string    `json:"wallet,omitempty"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Operation is a journaled token write.
type Operation struct {
	ID          string           `json:"id"`
	Kind        string           `json:"kind"`
	Wallet      string           `json:"wallet"`
	Network     string           `json:"network"`
	Mint        *string          `json:"mint,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Label       *string          `json:"label,omitempty"`
	Status      string           `json:"status"`
	Signatures  []string         `json:"signatures"`
	Error       *string          `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// HoldingsOptions selects whose holdings are listed.
type HoldingsOptions struct {
	// Owner defaults to the connected wallet.
	Owner string
	// Refresh forces a live read for the connected wallet.
	Refresh bool
}

// HistoryOptions selects which history is listed.
type HistoryOptions struct {
	Owner string
	// Source is "live" (default) or "archive".
	Source  string
	Limit   int
	Refresh bool
}

// Wallet returns the desk's connection state.
func (c *Client) Wallet(ctx context.Context) (*Wallet, error) {
	var wallet Wallet
	if err := c.do(ctx, "GET", "/api/v1/wallet", nil, nil, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// Holdings lists the SOL and token balances of an owner.
func (c *Client) Holdings(ctx context.Context, opts HoldingsOptions) (*Holdings, error) {
	q := url.Values{}
	if opts.Owner != "" {
		q.Set("owner", opts.Owner)
	}
	if opts.Refresh {
		q.Set("refresh", "true")
	}

	var holdings Holdings
	if err := c.do(ctx, "GET", "/api/v1/holdings", q, nil, &holdings); err != nil {
		return nil, err
	}
	if holdings.Warning != "" {
		c.logger.Warn("partial holdings", "owner", holdings.Owner, "warning", holdings.Warning)
	}
	return &holdings, nil
}

// History lists recent transactions of an owner.
func (c *Client) History(ctx context.Context, opts HistoryOptions) (*History, error) {
	q := url.Values{}
	if opts.Owner != "" {
		q.Set("owner", opts.Owner)
	}
	if opts.Source != "" {
		q.Set("source", opts.Source)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Refresh {
		q.Set("refresh", "true")
	}

	var history History
	if err := c.do(ctx, "GET", "/api/v1/history", q, nil, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

// Notifications returns the active notifications.
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	var response struct {
		Notifications []Notification `json:"notifications"`
	}
	if err := c.do(ctx, "GET", "/api/v1/notifications", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Notifications, nil
}

// DismissNotification removes an active notification.
func (c *Client) DismissNotification(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", "/api/v1/notifications/"+url.PathEscape(id), nil, nil, nil)
}

// Operations lists journaled writes. An empty wallet means the connected one.
func (c *Client) Operations(ctx context.Context, wallet string, limit int) ([]Operation, error) {
	q := url.Values{}
	if wallet != "" {
		q.Set("wallet", wallet)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var response struct {
		Operations []Operation `json:"operations"`
	}
	if err := c.do(ctx, "GET", "/api/v1/operations", q, nil, &response); err != nil {
		return nil, err
	}
	return response.Operations, nil
}
