package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tokendesk/service/db"
	"github.com/brojonat/tokendesk/service/metrics"
	natspkg "github.com/brojonat/tokendesk/service/nats"
	"github.com/brojonat/tokendesk/service/solana"
	"github.com/brojonat/tokendesk/service/tokens"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/samber/lo"
)

// SnapshotWalletInput identifies the watched wallet a scheduled run snapshots.
type SnapshotWalletInput struct {
	Address      string `json:"address"`
	Network      string `json:"network"`
	HistoryLimit int    `json:"history_limit"`
}

// SnapshotWalletResult summarizes one snapshot run.
type SnapshotWalletResult struct {
	Address        string    `json:"address"`
	Network        string    `json:"network"`
	SnapshotID     int64     `json:"snapshot_id"`
	HoldingCount   int       `json:"holding_count"`
	RecordCount    int       `json:"record_count"`
	RecordsWritten int       `json:"records_written"`
	TakenAt        time.Time `json:"taken_at"`
	Error          *string   `json:"error,omitempty"`
}

// FetchHoldingsInput contains parameters for the FetchHoldings activity.
type FetchHoldingsInput struct {
	Address string `json:"address"`
	Network string `json:"network"`
}

// SnapshotHolding is one token account carried between activities.
type SnapshotHolding struct {
	Mint             string `json:"mint"`
	TokenAccount     string `json:"token_account"`
	RawAmount        uint64 `json:"raw_amount"`
	Decimals         uint8  `json:"decimals"`
	DecimalsFallback bool   `json:"decimals_fallback"`
}

// FetchHoldingsResult contains the balances read for a wallet.
type FetchHoldingsResult struct {
	SOLLamports uint64            `json:"sol_lamports"`
	Holdings    []SnapshotHolding `json:"holdings"`
	// Skipped counts token accounts that could not be read.
	Skipped int `json:"skipped"`
}

// FetchHistoryInput contains parameters for the FetchHistory activity.
type FetchHistoryInput struct {
	Address string `json:"address"`
	Network string `json:"network"`
	Limit   int    `json:"limit"`
}

// FetchHistoryResult contains the reconstructed records ready to archive.
type FetchHistoryResult struct {
	Records []db.TransactionRecord `json:"records"`
	Skipped int                    `json:"skipped"`
}

// ArchiveSnapshotInput contains everything persisted for one run.
type ArchiveSnapshotInput struct {
	Address     string                 `json:"address"`
	Network     string                 `json:"network"`
	TakenAt     time.Time              `json:"taken_at"`
	SOLLamports uint64                 `json:"sol_lamports"`
	Holdings    []SnapshotHolding      `json:"holdings"`
	Records     []db.TransactionRecord `json:"records"`
}

// ArchiveSnapshotResult contains the stored snapshot id.
type ArchiveSnapshotResult struct {
	SnapshotID     int64 `json:"snapshot_id"`
	RecordsWritten int   `json:"records_written"`
}

// PublishSnapshotInput contains the summary announced on NATS.
type PublishSnapshotInput struct {
	Address     string            `json:"address"`
	Network     string            `json:"network"`
	SnapshotID  int64             `json:"snapshot_id"`
	TakenAt     time.Time         `json:"taken_at"`
	SOLLamports uint64            `json:"sol_lamports"`
	Holdings    []SnapshotHolding `json:"holdings"`
	RecordCount int               `json:"record_count"`
	// StartedAt is when the workflow began; used for the run duration metric.
	StartedAt time.Time `json:"started_at"`
}

// Ledger reads wallet state. *solana.Client satisfies it.
type Ledger interface {
	ListHoldings(ctx context.Context, owner solanago.PublicKey) ([]solana.HoldingResult, error)
	GetSOLBalance(ctx context.Context, owner solanago.PublicKey) (uint64, error)
	ListRecent(ctx context.Context, owner solanago.PublicKey, limit int) ([]solana.RecordResult, error)
}

// StoreInterface defines the database operations needed by activities.
type StoreInterface interface {
	InsertHoldingSnapshot(ctx context.Context, snap db.HoldingSnapshot) (*db.HoldingSnapshot, error)
	UpsertTransactionRecords(ctx context.Context, records []db.TransactionRecord) (int, error)
	UpdateSnapshotTime(ctx context.Context, address, network string, at time.Time) error
}

// Activities holds the dependencies for snapshot activities.
type Activities struct {
	store     StoreInterface
	ledgers   map[string]Ledger // keyed by network
	publisher natspkg.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance.
// If publisher or metrics is nil, that concern is skipped.
func NewActivities(
	store StoreInterface,
	ledgers map[string]Ledger,
	publisher natspkg.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		ledgers:   ledgers,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

func (a *Activities) observe(activity, address string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, address, time.Since(start).Seconds())
	}
}

func (a *Activities) ledgerFor(network string) (Ledger, error) {
	l, ok := a.ledgers[network]
	if !ok {
		return nil, fmt.Errorf("no ledger configured for network %q", network)
	}
	return l, nil
}

// FetchHoldings reads the SOL balance and every token account of a wallet.
// Unreadable token accounts are counted and skipped.
func (a *Activities) FetchHoldings(ctx context.Context, input FetchHoldingsInput) (*FetchHoldingsResult, error) {
	defer a.observe("FetchHoldings", input.Address, time.Now())

	owner, err := solanago.PublicKeyFromBase58(input.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address: %w", err)
	}
	ledger, err := a.ledgerFor(input.Network)
	if err != nil {
		return nil, err
	}

	lamports, err := ledger.GetSOLBalance(ctx, owner)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to fetch sol balance", "address", input.Address, "error", err)
		return nil, fmt.Errorf("failed to fetch sol balance: %w", err)
	}

	results, err := ledger.ListHoldings(ctx, owner)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to fetch holdings", "address", input.Address, "error", err)
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}

	holdings := lo.Map(solana.Holdings(results), func(h *solana.Holding, _ int) SnapshotHolding {
		return SnapshotHolding{
			Mint:             h.Mint.String(),
			TokenAccount:     h.TokenAccount.String(),
			RawAmount:        h.RawAmount,
			Decimals:         h.Decimals,
			DecimalsFallback: h.DecimalsFallback,
		}
	})
	skipped := len(results) - len(holdings)

	a.logger.InfoContext(ctx, "fetched holdings",
		"address", input.Address,
		"network", input.Network,
		"sol_lamports", lamports,
		"holdings", len(holdings),
		"skipped", skipped,
	)

	return &FetchHoldingsResult{
		SOLLamports: lamports,
		Holdings:    holdings,
		Skipped:     skipped,
	}, nil
}

// FetchHistory reconstructs recent transactions in their archived shape.
func (a *Activities) FetchHistory(ctx context.Context, input FetchHistoryInput) (*FetchHistoryResult, error) {
	defer a.observe("FetchHistory", input.Address, time.Now())

	owner, err := solanago.PublicKeyFromBase58(input.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address: %w", err)
	}
	ledger, err := a.ledgerFor(input.Network)
	if err != nil {
		return nil, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = solana.DefaultHistoryLimit
	}

	results, err := ledger.ListRecent(ctx, owner, limit)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to fetch history", "address", input.Address, "error", err)
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	records := lo.Map(solana.Records(results), func(r *solana.TransactionRecord, _ int) solana.TransactionRecord {
		return *r
	})

	a.logger.InfoContext(ctx, "fetched history",
		"address", input.Address,
		"records", len(records),
		"skipped", len(results)-len(records),
	)

	return &FetchHistoryResult{
		Records: tokens.ArchiveRecords(input.Address, input.Network, records),
		Skipped: len(results) - len(records),
	}, nil
}

// ArchiveSnapshot stores the holdings snapshot and history, then stamps the
// watched wallet with the snapshot time.
func (a *Activities) ArchiveSnapshot(ctx context.Context, input ArchiveSnapshotInput) (*ArchiveSnapshotResult, error) {
	defer a.observe("ArchiveSnapshot", input.Address, time.Now())

	saved, err := a.store.InsertHoldingSnapshot(ctx, db.HoldingSnapshot{
		Wallet:      input.Address,
		Network:     input.Network,
		TakenAt:     input.TakenAt,
		SOLLamports: input.SOLLamports,
		Holdings: lo.Map(input.Holdings, func(h SnapshotHolding, _ int) db.SnapshotHolding {
			return db.SnapshotHolding{
				Mint:             h.Mint,
				TokenAccount:     h.TokenAccount,
				RawAmount:        h.RawAmount,
				Decimals:         h.Decimals,
				DecimalsFallback: h.DecimalsFallback,
			}
		}),
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to store snapshot", "address", input.Address, "error", err)
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	written, err := a.store.UpsertTransactionRecords(ctx, input.Records)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to archive records", "address", input.Address, "error", err)
		return nil, fmt.Errorf("failed to archive records: %w", err)
	}

	if err := a.store.UpdateSnapshotTime(ctx, input.Address, input.Network, input.TakenAt); err != nil {
		// The wallet may have been unwatched while the run was in flight.
		if !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("failed to update snapshot time: %w", err)
		}
		a.logger.WarnContext(ctx, "watched wallet disappeared during snapshot", "address", input.Address)
	}

	a.logger.InfoContext(ctx, "archived snapshot",
		"address", input.Address,
		"snapshot_id", saved.ID,
		"holdings", len(input.Holdings),
		"records_written", written,
	)

	return &ArchiveSnapshotResult{SnapshotID: saved.ID, RecordsWritten: written}, nil
}

// PublishSnapshot announces a stored snapshot on NATS.
func (a *Activities) PublishSnapshot(ctx context.Context, input PublishSnapshotInput) error {
	defer a.observe("PublishSnapshot", input.Address, time.Now())

	if a.metrics != nil && !input.StartedAt.IsZero() {
		a.metrics.RecordWorkflowDuration(input.Address, "success", time.Since(input.StartedAt).Seconds())
	}

	if a.publisher == nil {
		a.logger.DebugContext(ctx, "no publisher configured, skipping snapshot event")
		return nil
	}

	event := &natspkg.SnapshotEvent{
		Wallet:      input.Address,
		Network:     input.Network,
		SnapshotID:  input.SnapshotID,
		TakenAt:     input.TakenAt,
		SOLBalance:  solana.LamportsToSOL(input.SOLLamports).String(),
		RecordCount: input.RecordCount,
		Holdings: lo.Map(input.Holdings, func(h SnapshotHolding, _ int) natspkg.SnapshotHolding {
			return natspkg.SnapshotHolding{
				Mint:     h.Mint,
				Balance:  solana.ScaleAmount(h.RawAmount, h.Decimals).String(),
				Decimals: h.Decimals,
			}
		}),
	}

	if err := a.publisher.PublishSnapshot(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to publish snapshot", "address", input.Address, "error", err)
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}
