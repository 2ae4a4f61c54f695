package db

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/brojonat/tokendesk/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Operation statuses.
const (
	OperationPending   = "pending"
	OperationConfirmed = "confirmed"
	OperationFailed    = "failed"
)

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no query metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) observe(operation, table string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
	}
}

// Operation is one journaled write (create, mint or send) and its outcome.
type Operation struct {
	ID          string
	Kind        string
	Wallet      string
	Network     string
	Mint        *string
	Amount      *decimal.Decimal
	Label       *string
	Status      string
	Signatures  []string
	Error       *string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// CreateOperationParams contains the parameters for journaling a new operation.
type CreateOperationParams struct {
	Kind    string
	Wallet  string
	Network string
	Mint    *string
	Amount  *decimal.Decimal
	Label   *string
}

// CompleteOperationParams records the terminal state of an operation.
type CompleteOperationParams struct {
	ID         string
	Status     string
	Mint       *string
	Signatures []string
	Error      *string
}

const operationColumns = `id::text, kind, wallet, network, mint, amount, label, status, signatures, error, created_at, completed_at`

// CreateOperation inserts a pending operation.
func (s *Store) CreateOperation(ctx context.Context, params CreateOperationParams) (*Operation, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO operations (kind, wallet, network, mint, amount, label)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+operationColumns,
		params.Kind, params.Wallet, params.Network,
		pgtextFromStringPtr(params.Mint), numericFromDecimalPtr(params.Amount), pgtextFromStringPtr(params.Label),
	)
	op, err := scanOperation(row)
	s.observe("insert", "operations", start, err)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return op, nil
}

// CompleteOperation moves an operation to its terminal status.
// A nil Mint leaves the stored mint untouched.
func (s *Store) CompleteOperation(ctx context.Context, params CompleteOperationParams) (*Operation, error) {
	signatures := params.Signatures
	if signatures == nil {
		signatures = []string{}
	}

	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		UPDATE operations
		SET status = $2, mint = COALESCE($3, mint), signatures = $4, error = $5, completed_at = NOW()
		WHERE id = $1::uuid
		RETURNING `+operationColumns,
		params.ID, params.Status, pgtextFromStringPtr(params.Mint), signatures, pgtextFromStringPtr(params.Error),
	)
	op, err := scanOperation(row)
	s.observe("update", "operations", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("completing operation %s: %w", params.ID, err)
	}
	return op, nil
}

// ListOperations returns the most recent operations for a wallet, newest first.
func (s *Store) ListOperations(ctx context.Context, wallet, network string, limit int32) ([]*Operation, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE wallet = $1 AND network = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		wallet, network, limit,
	)
	if err != nil {
		s.observe("select", "operations", start, err)
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	ops := make([]*Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			s.observe("select", "operations", start, err)
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, op)
	}
	err = rows.Err()
	s.observe("select", "operations", start, err)
	if err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return ops, nil
}

func scanOperation(row pgx.Row) (*Operation, error) {
	var (
		op          Operation
		mint, label pgtype.Text
		errText     pgtype.Text
		amount      pgtype.Numeric
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&op.ID, &op.Kind, &op.Wallet, &op.Network, &mint, &amount, &label,
		&op.Status, &op.Signatures, &errText, &op.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	op.Mint = stringPtrFromPgtext(mint)
	op.Label = stringPtrFromPgtext(label)
	op.Error = stringPtrFromPgtext(errText)
	op.Amount = decimalPtrFromNumeric(amount)
	op.CompletedAt = timePtrFromPgTimestamptz(completedAt)
	return &op, nil
}

// TransactionRecord is an archived history row for a wallet.
type TransactionRecord struct {
	Signature       string
	Wallet          string
	Network         string
	Slot            int64
	BlockTime       *time.Time
	Status          string
	Type            string
	Details         string
	Mint            *string
	DecimalsGuessed bool
	ArchivedAt      time.Time
}

// UpsertTransactionRecords archives records in one batch, replacing rows that
// share a signature. It returns the number of rows written.
func (s *Store) UpsertTransactionRecords(ctx context.Context, records []TransactionRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO transaction_records (signature, wallet, network, slot, block_time, status, type, details, mint, decimals_guessed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (wallet, network, signature) DO UPDATE
			SET slot = EXCLUDED.slot, block_time = EXCLUDED.block_time, status = EXCLUDED.status,
			    type = EXCLUDED.type, details = EXCLUDED.details, mint = EXCLUDED.mint,
			    decimals_guessed = EXCLUDED.decimals_guessed, archived_at = NOW()`,
			r.Signature, r.Wallet, r.Network, r.Slot, pgTimestamptzFromTimePtr(r.BlockTime),
			r.Status, r.Type, r.Details, pgtextFromStringPtr(r.Mint), r.DecimalsGuessed,
		)
	}

	start := time.Now()
	results := s.pool.SendBatch(ctx, batch)
	written := 0
	var err error
	for range records {
		tag, execErr := results.Exec()
		if execErr != nil {
			err = execErr
			break
		}
		written += int(tag.RowsAffected())
	}
	if closeErr := results.Close(); err == nil {
		err = closeErr
	}
	s.observe("upsert", "transaction_records", start, err)
	if err != nil {
		return written, fmt.Errorf("archiving transaction records: %w", err)
	}
	return written, nil
}

// ListTransactionRecords returns archived records for a wallet, newest first.
func (s *Store) ListTransactionRecords(ctx context.Context, wallet, network string, limit int32) ([]*TransactionRecord, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT signature, wallet, network, slot, block_time, status, type, details, mint, decimals_guessed, archived_at
		FROM transaction_records
		WHERE wallet = $1 AND network = $2
		ORDER BY block_time DESC NULLS LAST, slot DESC
		LIMIT $3`,
		wallet, network, limit,
	)
	if err != nil {
		s.observe("select", "transaction_records", start, err)
		return nil, fmt.Errorf("listing transaction records: %w", err)
	}
	defer rows.Close()

	records := make([]*TransactionRecord, 0)
	for rows.Next() {
		var (
			r         TransactionRecord
			blockTime pgtype.Timestamptz
			mint      pgtype.Text
		)
		if err := rows.Scan(&r.Signature, &r.Wallet, &r.Network, &r.Slot, &blockTime,
			&r.Status, &r.Type, &r.Details, &mint, &r.DecimalsGuessed, &r.ArchivedAt); err != nil {
			s.observe("select", "transaction_records", start, err)
			return nil, fmt.Errorf("scanning transaction record: %w", err)
		}
		r.BlockTime = timePtrFromPgTimestamptz(blockTime)
		r.Mint = stringPtrFromPgtext(mint)
		records = append(records, &r)
	}
	err = rows.Err()
	s.observe("select", "transaction_records", start, err)
	if err != nil {
		return nil, fmt.Errorf("iterating transaction records: %w", err)
	}
	return records, nil
}

// HoldingSnapshot is a point-in-time copy of a wallet's balances.
type HoldingSnapshot struct {
	ID          int64
	Wallet      string
	Network     string
	TakenAt     time.Time
	SOLLamports uint64
	Holdings    []SnapshotHolding
}

// SnapshotHolding is one token account inside a snapshot.
type SnapshotHolding struct {
	Mint             string
	TokenAccount     string
	RawAmount        uint64
	Decimals         uint8
	DecimalsFallback bool
}

// InsertHoldingSnapshot stores a snapshot header and its holdings in one transaction.
func (s *Store) InsertHoldingSnapshot(ctx context.Context, snap HoldingSnapshot) (*HoldingSnapshot, error) {
	start := time.Now()
	saved, err := s.insertHoldingSnapshot(ctx, snap)
	s.observe("insert", "holding_snapshots", start, err)
	if err != nil {
		return nil, fmt.Errorf("inserting holding snapshot: %w", err)
	}
	return saved, nil
}

func (s *Store) insertHoldingSnapshot(ctx context.Context, snap HoldingSnapshot) (*HoldingSnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.QueryRow(ctx, `
		INSERT INTO holding_snapshots (wallet, network, taken_at, sol_lamports)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		snap.Wallet, snap.Network, snap.TakenAt, int64(snap.SOLLamports),
	).Scan(&snap.ID); err != nil {
		return nil, err
	}

	rows := make([][]any, 0, len(snap.Holdings))
	for _, h := range snap.Holdings {
		rows = append(rows, []any{
			snap.ID, h.Mint, h.TokenAccount, numericFromUint64(h.RawAmount), int16(h.Decimals), h.DecimalsFallback,
		})
	}
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"snapshot_holdings"},
			[]string{"snapshot_id", "mint", "token_account", "raw_amount", "decimals", "decimals_fallback"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &snap, nil
}

// LatestHoldingSnapshot returns the newest snapshot for a wallet.
func (s *Store) LatestHoldingSnapshot(ctx context.Context, wallet, network string) (*HoldingSnapshot, error) {
	start := time.Now()
	snap, err := s.latestHoldingSnapshot(ctx, wallet, network)
	s.observe("select", "holding_snapshots", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest holding snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) latestHoldingSnapshot(ctx context.Context, wallet, network string) (*HoldingSnapshot, error) {
	var (
		snap     HoldingSnapshot
		lamports int64
	)
	if err := s.pool.QueryRow(ctx, `
		SELECT id, wallet, network, taken_at, sol_lamports
		FROM holding_snapshots
		WHERE wallet = $1 AND network = $2
		ORDER BY taken_at DESC
		LIMIT 1`,
		wallet, network,
	).Scan(&snap.ID, &snap.Wallet, &snap.Network, &snap.TakenAt, &lamports); err != nil {
		return nil, err
	}
	snap.SOLLamports = uint64(lamports)

	rows, err := s.pool.Query(ctx, `
		SELECT mint, token_account, raw_amount, decimals, decimals_fallback
		FROM snapshot_holdings
		WHERE snapshot_id = $1
		ORDER BY mint, token_account`,
		snap.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap.Holdings = make([]SnapshotHolding, 0)
	for rows.Next() {
		var (
			h        SnapshotHolding
			raw      pgtype.Numeric
			decimals int16
		)
		if err := rows.Scan(&h.Mint, &h.TokenAccount, &raw, &decimals, &h.DecimalsFallback); err != nil {
			return nil, err
		}
		if d := decimalPtrFromNumeric(raw); d != nil {
			h.RawAmount = d.BigInt().Uint64()
		}
		h.Decimals = uint8(decimals)
		snap.Holdings = append(snap.Holdings, h)
	}
	return &snap, rows.Err()
}

// WatchedWallet is a wallet the snapshot scheduler tracks.
type WatchedWallet struct {
	Address          string
	Network          string
	SnapshotInterval time.Duration
	LastSnapshotAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UpsertWatchedWalletParams contains the parameters for watching a wallet.
type UpsertWatchedWalletParams struct {
	Address          string
	Network          string
	SnapshotInterval time.Duration
}

const watchedWalletColumns = `address, network, snapshot_interval, last_snapshot_at, created_at, updated_at`

// UpsertWatchedWallet starts watching a wallet or updates its interval.
func (s *Store) UpsertWatchedWallet(ctx context.Context, params UpsertWatchedWalletParams) (*WatchedWallet, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO watched_wallets (address, network, snapshot_interval)
		VALUES ($1, $2, $3)
		ON CONFLICT (address, network) DO UPDATE
		SET snapshot_interval = EXCLUDED.snapshot_interval, updated_at = NOW()
		RETURNING `+watchedWalletColumns,
		params.Address, params.Network, pgIntervalFromDuration(params.SnapshotInterval),
	)
	w, err := scanWatchedWallet(row)
	s.observe("upsert", "watched_wallets", start, err)
	if err != nil {
		return nil, fmt.Errorf("watching wallet %s: %w", params.Address, err)
	}
	return w, nil
}

// GetWatchedWallet returns a watched wallet or ErrNotFound.
func (s *Store) GetWatchedWallet(ctx context.Context, address, network string) (*WatchedWallet, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		SELECT `+watchedWalletColumns+`
		FROM watched_wallets
		WHERE address = $1 AND network = $2`,
		address, network,
	)
	w, err := scanWatchedWallet(row)
	s.observe("select", "watched_wallets", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting watched wallet %s: %w", address, err)
	}
	return w, nil
}

// ListWatchedWallets returns every watched wallet ordered by address.
func (s *Store) ListWatchedWallets(ctx context.Context) ([]*WatchedWallet, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+watchedWalletColumns+`
		FROM watched_wallets
		ORDER BY address, network`)
	if err != nil {
		s.observe("select", "watched_wallets", start, err)
		return nil, fmt.Errorf("listing watched wallets: %w", err)
	}
	defer rows.Close()

	wallets := make([]*WatchedWallet, 0)
	for rows.Next() {
		w, err := scanWatchedWallet(rows)
		if err != nil {
			s.observe("select", "watched_wallets", start, err)
			return nil, fmt.Errorf("scanning watched wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	err = rows.Err()
	s.observe("select", "watched_wallets", start, err)
	if err != nil {
		return nil, fmt.Errorf("iterating watched wallets: %w", err)
	}
	return wallets, nil
}

// UpdateSnapshotTime records when a wallet was last snapshotted.
func (s *Store) UpdateSnapshotTime(ctx context.Context, address, network string, at time.Time) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE watched_wallets
		SET last_snapshot_at = $3, updated_at = NOW()
		WHERE address = $1 AND network = $2`,
		address, network, at,
	)
	s.observe("update", "watched_wallets", start, err)
	if err != nil {
		return fmt.Errorf("updating snapshot time for %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWatchedWallet stops watching a wallet.
func (s *Store) DeleteWatchedWallet(ctx context.Context, address, network string) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM watched_wallets WHERE address = $1 AND network = $2`, address, network)
	s.observe("delete", "watched_wallets", start, err)
	if err != nil {
		return fmt.Errorf("deleting watched wallet %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWatchedWallet(row pgx.Row) (*WatchedWallet, error) {
	var (
		w        WatchedWallet
		interval pgtype.Interval
		last     pgtype.Timestamptz
	)
	if err := row.Scan(&w.Address, &w.Network, &interval, &last, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.SnapshotInterval = durationFromPgInterval(interval)
	w.LastSnapshotAt = timePtrFromPgTimestamptz(last)
	return &w, nil
}

// Helper functions for type conversions

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgIntervalFromDuration(d time.Duration) pgtype.Interval {
	return pgtype.Interval{
		Microseconds: d.Microseconds(),
		Valid:        true,
	}
}

func durationFromPgInterval(i pgtype.Interval) time.Duration {
	if !i.Valid {
		return 0
	}
	days := time.Duration(i.Days) * 24 * time.Hour
	return days + time.Duration(i.Microseconds)*time.Microsecond
}

func pgTimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func numericFromDecimalPtr(d *decimal.Decimal) pgtype.Numeric {
	if d == nil {
		return pgtype.Numeric{Valid: false}
	}
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func numericFromUint64(v uint64) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).SetUint64(v), Valid: true}
}

func decimalPtrFromNumeric(n pgtype.Numeric) *decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return nil
	}
	d := decimal.NewFromBigInt(n.Int, n.Exp)
	return &d
}
