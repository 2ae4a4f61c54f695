package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// WatchedWallet is a wallet the server snapshots on a schedule.
type WatchedWallet struct {
	Address          string        `json:"address"`
	Network          string        `json:"network"`
	SnapshotInterval time.Duration `json:"snapshot_interval"`
	LastSnapshotAt   *time.Time    `json:"last_snapshot_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Snapshot is a stored point-in-time balance listing.
type Snapshot struct {
	ID         int64             `json:"id"`
	Wallet     string            `json:"wallet"`
	Network    string            `json:"network"`
	TakenAt    time.Time         `json:"taken_at"`
	SOLBalance decimal.Decimal   `json:"sol_balance"`
	Holdings   []SnapshotHolding `json:"holdings"`
}

// SnapshotHolding is one token balance within a snapshot.
type SnapshotHolding struct {
	Mint             string          `json:"mint"`
	TokenAccount     string          `json:"token_account"`
	RawAmount        uint64          `json:"raw_amount"`
	Decimals         uint8           `json:"decimals"`
	Balance          decimal.Decimal `json:"balance"`
	DecimalsFallback bool            `json:"decimals_fallback,omitempty"`
}

// watchResponse is the API response format for a watched wallet.
// The server returns snapshot_interval as a string (e.g. "5m0s").
type watchResponse struct {
	Address          string     `json:"address"`
	Network          string     `json:"network"`
	SnapshotInterval string     `json:"snapshot_interval"`
	LastSnapshotAt   *time.Time `json:"last_snapshot_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func responseToWatched(resp *watchResponse) (*WatchedWallet, error) {
	interval, err := time.ParseDuration(resp.SnapshotInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot_interval %q: %w", resp.SnapshotInterval, err)
	}
	return &WatchedWallet{
		Address:          resp.Address,
		Network:          resp.Network,
		SnapshotInterval: interval,
		LastSnapshotAt:   resp.LastSnapshotAt,
		CreatedAt:        resp.CreatedAt,
		UpdatedAt:        resp.UpdatedAt,
	}, nil
}

// Watch asks the server to snapshot a wallet periodically. A zero interval
// uses the server default; an empty network uses the server's network.
func (c *Client) Watch(ctx context.Context, address, network string, interval time.Duration) (*WatchedWallet, error) {
	reqBody := map[string]interface{}{
		"address": address,
	}
	if network != "" {
		reqBody["network"] = network
	}
	if interval > 0 {
		reqBody["interval"] = interval.String()
	}

	var resp watchResponse
	if err := c.do(ctx, "POST", "/api/v1/watch", nil, reqBody, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("wallet watched", "address", address, "interval", resp.SnapshotInterval)
	return responseToWatched(&resp)
}

// Unwatch stops snapshots of a wallet.
func (c *Client) Unwatch(ctx context.Context, address, network string) error {
	q := url.Values{}
	if network != "" {
		q.Set("network", network)
	}
	if err := c.do(ctx, "DELETE", "/api/v1/watch/"+url.PathEscape(address), q, nil, nil); err != nil {
		return err
	}
	c.logger.Debug("wallet unwatched", "address", address)
	return nil
}

// ListWatched retrieves all watched wallets.
func (c *Client) ListWatched(ctx context.Context) ([]*WatchedWallet, error) {
	var response struct {
		Wallets []watchResponse `json:"wallets"`
	}
	if err := c.do(ctx, "GET", "/api/v1/watch", nil, nil, &response); err != nil {
		return nil, err
	}

	wallets := make([]*WatchedWallet, len(response.Wallets))
	for i := range response.Wallets {
		w, err := responseToWatched(&response.Wallets[i])
		if err != nil {
			return nil, fmt.Errorf("failed to parse wallet %s: %w", response.Wallets[i].Address, err)
		}
		wallets[i] = w
	}
	return wallets, nil
}

// LatestSnapshot returns the most recent stored snapshot of a wallet.
func (c *Client) LatestSnapshot(ctx context.Context, address, network string) (*Snapshot, error) {
	q := url.Values{}
	if network != "" {
		q.Set("network", network)
	}
	var snap Snapshot
	if err := c.do(ctx, "GET", "/api/v1/snapshots/"+url.PathEscape(address), q, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
