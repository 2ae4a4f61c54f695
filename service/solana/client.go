package solana

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/tokendesk/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
// Account reads return ErrNotFound-compatible errors (rpc.ErrNotFound) for absent accounts.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetAccount(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*AccountData, error)

	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (uint64, error)

	GetTokenAccountsByOwner(
		ctx context.Context,
		owner solana.PublicKey,
		programID solana.PublicKey,
		commitment rpc.CommitmentType,
	) ([]*AccountData, error)

	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error)

	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (solana.Hash, error)

	SendTransaction(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)

	// GetSignatureStatus returns nil, nil while the ledger has no status for the signature.
	GetSignatureStatus(ctx context.Context, signature solana.Signature) (*rpc.SignatureStatusesResult, error)
}

// AccountData is the raw state of a ledger account.
type AccountData struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// Options tunes a Client.
type Options struct {
	// Endpoint labels metrics (e.g., "devnet", "mainnet", rpc host).
	Endpoint string
	// Commitment used for reads and preflight. Defaults to confirmed.
	Commitment rpc.CommitmentType
	// RateLimit caps outgoing RPC calls per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// Concurrency bounds per-item fan-out (mint lookups, transaction bodies).
	Concurrency int
	// MetadataLookup enables token name/symbol enrichment of holdings.
	MetadataLookup bool
}

// Client provides ledger reads and writes for token operations.
// It wraps the RPC client with rate limiting, metrics and domain-specific operations.
type Client struct {
	rpc     RPCClient
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	labels  *metadataCache
}

// NewClient creates a new Solana client.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, opts Options, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Commitment == "" {
		opts.Commitment = rpc.CommitmentConfirmed
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "default"
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		rpc:     rpcClient,
		opts:    opts,
		limiter: limiter,
		logger:  logger,
		metrics: m,
		labels:  newMetadataCache(),
	}
}

// Commitment returns the commitment level used for reads.
func (c *Client) Commitment() rpc.CommitmentType {
	return c.opts.Commitment
}

// call runs one RPC through the rate limiter and records metrics for it.
func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordLimiterWait(c.opts.Endpoint, time.Since(waitStart).Seconds())
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, rpc.ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
		if isRateLimited(err) {
			c.logger.WarnContext(ctx, "rpc rate limited", "method", method, "endpoint", c.opts.Endpoint)
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.opts.Endpoint)
			}
		}
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, status, c.opts.Endpoint, duration)
	}
	return err
}

// GetSOLBalance returns the owner's native balance in lamports.
func (c *Client) GetSOLBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	var lamports uint64
	err := c.call(ctx, "GetBalance", func(ctx context.Context) error {
		var err error
		lamports, err = c.rpc.GetBalance(ctx, owner, c.opts.Commitment)
		return err
	})
	if err != nil {
		return 0, lookupFailed("get balance of "+owner.String(), err)
	}
	return lamports, nil
}

// MinimumBalanceForRentExemption returns the lamports needed for an account of size bytes.
func (c *Client) MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	var lamports uint64
	err := c.call(ctx, "GetMinimumBalanceForRentExemption", func(ctx context.Context) error {
		var err error
		lamports, err = c.rpc.GetMinimumBalanceForRentExemption(ctx, size, c.opts.Commitment)
		return err
	})
	if err != nil {
		return 0, lookupFailed("get rent exemption", err)
	}
	return lamports, nil
}

// LatestBlockhash fetches a fresh blockhash.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var hash solana.Hash
	err := c.call(ctx, "GetLatestBlockhash", func(ctx context.Context) error {
		var err error
		hash, err = c.rpc.GetLatestBlockhash(ctx, c.opts.Commitment)
		return err
	})
	if err != nil {
		return solana.Hash{}, lookupFailed("get latest blockhash", err)
	}
	return hash, nil
}

// SendTransaction submits a signed transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	err := c.call(ctx, "SendTransaction", func(ctx context.Context) error {
		var err error
		sig, err = c.rpc.SendTransaction(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: c.opts.Commitment,
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, submissionFailed("send transaction", err)
	}
	return sig, nil
}

// SignatureStatus returns the ledger status for a submitted signature, or nil if unknown yet.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var status *rpc.SignatureStatusesResult
	err := c.call(ctx, "GetSignatureStatuses", func(ctx context.Context) error {
		var err error
		status, err = c.rpc.GetSignatureStatus(ctx, sig)
		return err
	})
	if err != nil {
		return nil, lookupFailed("get signature status", err)
	}
	return status, nil
}

func (c *Client) getAccount(ctx context.Context, addr solana.PublicKey) (*AccountData, error) {
	var acct *AccountData
	err := c.call(ctx, "GetAccountInfo", func(ctx context.Context) error {
		var err error
		acct, err = c.rpc.GetAccount(ctx, addr, c.opts.Commitment)
		return err
	})
	if err == nil && acct == nil {
		err = rpc.ErrNotFound
	}
	return acct, err
}
