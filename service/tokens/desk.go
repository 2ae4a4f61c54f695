package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/tokendesk/service/db"
	"github.com/brojonat/tokendesk/service/metrics"
	natspkg "github.com/brojonat/tokendesk/service/nats"
	"github.com/brojonat/tokendesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// MaxDecimals bounds the decimals accepted for new tokens.
const MaxDecimals = 9

var (
	// ErrInvalidDecimals is returned when a new token asks for more than MaxDecimals.
	ErrInvalidDecimals = fmt.Errorf("decimals must be between 0 and %d", MaxDecimals)

	// ErrReceiverRequired is returned when a send has no receiver.
	ErrReceiverRequired = errors.New("receiver address is required")
)

const noWalletMessage = "Please connect your wallet with signing capabilities"

// Ledger reads wallet state. *solana.Client satisfies it.
type Ledger interface {
	ListHoldings(ctx context.Context, owner solanago.PublicKey) ([]solana.HoldingResult, error)
	GetSOLBalance(ctx context.Context, owner solanago.PublicKey) (uint64, error)
	ListRecent(ctx context.Context, owner solanago.PublicKey, limit int) ([]solana.RecordResult, error)
}

// Planner builds transaction plans. *solana.Builder satisfies it.
type Planner interface {
	CreateMint(ctx context.Context, params solana.CreateMintParams) (*solana.Plan, error)
	MintTo(ctx context.Context, params solana.MintToParams) (*solana.Plan, error)
	Transfer(ctx context.Context, params solana.TransferParams) (*solana.Plan, error)
}

// Submitter executes plans. *solana.Pipeline satisfies it.
type Submitter interface {
	Execute(ctx context.Context, plan *solana.Plan, signer solana.Signer) (*solana.Receipt, error)
}

// Journal persists write operations. *db.Store satisfies it.
type Journal interface {
	CreateOperation(ctx context.Context, params db.CreateOperationParams) (*db.Operation, error)
	CompleteOperation(ctx context.Context, params db.CompleteOperationParams) (*db.Operation, error)
}

// Archive persists reconstructed history. *db.Store satisfies it.
type Archive interface {
	UpsertTransactionRecords(ctx context.Context, records []db.TransactionRecord) (int, error)
}

// Config tunes the desk.
type Config struct {
	Network             string
	HistoryLimit        int
	HistoryRefreshDelay time.Duration
	// RefreshTimeout bounds the delayed history refresh that follows a write.
	RefreshTimeout time.Duration
	// WriteTimeout bounds a write once it holds the gate. Cancelling the
	// caller's context does not stop a started write. Zero means 5 minutes.
	WriteTimeout time.Duration
}

// Deps are the collaborators of a Desk. Journal, Archive, Events and Metrics are optional.
type Deps struct {
	Ledger    Ledger
	Planner   Planner
	Submitter Submitter
	Notifier  *Notifier
	Journal   Journal
	Archive   Archive
	Events    natspkg.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Desk orchestrates token writes for one connected wallet and owns the
// state shown to the user. Writes go through a single-slot gate.
type Desk struct {
	ledger    Ledger
	planner   Planner
	submitter Submitter
	notifier  *Notifier
	journal   Journal
	archive   Archive
	events    natspkg.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config

	gate sync.Mutex

	mu     sync.RWMutex
	signer solana.Signer
	state  State

	bg        context.Context
	stop      context.CancelFunc
	refreshes sync.WaitGroup
}

// New creates a Desk. Call Close to stop pending background refreshes.
func New(deps Deps, cfg Config) *Desk {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = solana.DefaultHistoryLimit
	}
	if cfg.HistoryRefreshDelay < 0 {
		cfg.HistoryRefreshDelay = 0
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewNotifier(0, deps.Events, deps.Metrics, logger)
	}

	bg, stop := context.WithCancel(context.Background())
	return &Desk{
		ledger:    deps.Ledger,
		planner:   deps.Planner,
		submitter: deps.Submitter,
		notifier:  notifier,
		journal:   deps.Journal,
		archive:   deps.Archive,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    logger,
		cfg:       cfg,
		bg:        bg,
		stop:      stop,
	}
}

// Close cancels pending history refreshes and waits for running ones.
func (d *Desk) Close() {
	d.stop()
	d.refreshes.Wait()
}

// Connect attaches a wallet and loads its balances and history.
// Load failures are reported but the wallet stays connected.
func (d *Desk) Connect(ctx context.Context, signer solana.Signer) error {
	if signer == nil {
		return &solana.OpError{Kind: solana.KindPreconditionFailed, Op: "connect", Err: solana.ErrWalletNotConnected}
	}
	owner := signer.PublicKey()

	d.mu.Lock()
	d.signer = signer
	d.state = State{Connected: true, Wallet: owner}
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "wallet connected", "wallet", owner.String())

	var g errgroup.Group
	g.Go(func() error {
		_, err := d.RefreshBalances(ctx, owner)
		return err
	})
	g.Go(func() error {
		_, err := d.RefreshHistory(ctx, owner)
		return err
	})
	return g.Wait()
}

// Disconnect detaches the wallet and clears the displayed state.
func (d *Desk) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Connected {
		d.logger.Info("wallet disconnected", "wallet", d.state.Wallet.String())
	}
	d.signer = nil
	d.state = State{}
}

// Snapshot returns a copy of the current state.
func (d *Desk) Snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.clone()
}

// Notifications returns the unexpired notifications, oldest first.
func (d *Desk) Notifications() []Notification {
	return d.notifier.Active()
}

// Notifier exposes the hub for subscribers.
func (d *Desk) Notifier() *Notifier {
	return d.notifier
}

// Network is the ledger network the desk writes to.
func (d *Desk) Network() string {
	return d.cfg.Network
}

func (d *Desk) current() (solana.Signer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.signer, d.signer != nil
}

func (d *Desk) isConnected(owner solanago.PublicKey) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Connected && d.state.Wallet.Equals(owner)
}

// RefreshBalances loads SOL and token holdings for owner. The desk state is
// updated only when owner is the connected wallet. Parts that load are kept
// when the other part fails.
func (d *Desk) RefreshBalances(ctx context.Context, owner solanago.PublicKey) (*Balances, error) {
	balances := &Balances{Owner: owner, Holdings: []solana.Holding{}}
	var (
		g                  errgroup.Group
		solErr, holdingErr error
	)
	g.Go(func() error {
		lamports, err := d.ledger.GetSOLBalance(ctx, owner)
		if err != nil {
			solErr = err
			return nil
		}
		balances.Lamports = lamports
		balances.SOL = solana.LamportsToSOL(lamports)
		return nil
	})
	g.Go(func() error {
		results, err := d.ledger.ListHoldings(ctx, owner)
		if err != nil {
			holdingErr = err
			return nil
		}
		for _, h := range solana.Holdings(results) {
			balances.Holdings = append(balances.Holdings, *h)
		}
		balances.Skipped = len(results) - len(balances.Holdings)
		return nil
	})
	_ = g.Wait()
	balances.UpdatedAt = time.Now().UTC()

	connected := d.isConnected(owner)
	if connected {
		d.mu.Lock()
		if d.state.Connected && d.state.Wallet.Equals(owner) {
			if solErr == nil {
				d.state.SOLBalance = balances.SOL
			}
			if holdingErr == nil {
				d.state.Holdings = balances.Holdings
			}
			if solErr == nil || holdingErr == nil {
				d.state.BalancesUpdatedAt = balances.UpdatedAt
			}
		}
		d.mu.Unlock()
	}

	if solErr != nil {
		d.logger.WarnContext(ctx, "failed to fetch SOL balance", "owner", owner.String(), "error", solErr)
		if connected {
			d.notifier.Notify(ctx, owner.String(), NotifyError, "Failed to fetch SOL balance")
		}
	}
	if holdingErr != nil {
		d.logger.WarnContext(ctx, "failed to fetch tokens", "owner", owner.String(), "error", holdingErr)
		if connected {
			d.notifier.Notify(ctx, owner.String(), NotifyError, "Failed to fetch tokens: "+solana.UserMessage(holdingErr))
		}
	}
	return balances, errors.Join(solErr, holdingErr)
}

// RefreshHistory reconstructs recent history for owner, replacing the
// displayed list when owner is the connected wallet. Records are archived
// when an Archive is configured.
func (d *Desk) RefreshHistory(ctx context.Context, owner solanago.PublicKey) ([]solana.TransactionRecord, error) {
	results, err := d.ledger.ListRecent(ctx, owner, d.cfg.HistoryLimit)
	connected := d.isConnected(owner)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to fetch transaction history", "owner", owner.String(), "error", err)
		if connected {
			d.notifier.Notify(ctx, owner.String(), NotifyError, "Failed to fetch transaction history: "+solana.UserMessage(err))
		}
		return nil, err
	}

	records := lo.Map(solana.Records(results), func(r *solana.TransactionRecord, _ int) solana.TransactionRecord {
		return *r
	})

	if d.archive != nil && len(records) > 0 {
		if _, err := d.archive.UpsertTransactionRecords(ctx, ArchiveRecords(owner.String(), d.cfg.Network, records)); err != nil {
			d.logger.WarnContext(ctx, "failed to archive history", "owner", owner.String(), "error", err)
		}
	}

	if connected {
		d.mu.Lock()
		if d.state.Connected && d.state.Wallet.Equals(owner) {
			d.state.Records = records
			d.state.HistoryUpdatedAt = time.Now().UTC()
		}
		d.mu.Unlock()
	}
	return records, nil
}

// CreateTokenRequest describes a new token. Name and Symbol are labels only;
// they are journaled but never written to the ledger.
type CreateTokenRequest struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// MintTokenRequest mints Amount of Mint. A zero Destination mints to the connected wallet.
type MintTokenRequest struct {
	Mint        solanago.PublicKey
	Amount      decimal.Decimal
	Destination solanago.PublicKey
}

// SendTokenRequest transfers Amount of Mint to Receiver's associated account.
type SendTokenRequest struct {
	Mint     solanago.PublicKey
	Receiver solanago.PublicKey
	Amount   decimal.Decimal
}

// Result reports a completed write.
type Result struct {
	OperationID string
	Intent      solana.Intent
	Mint        solanago.PublicKey
	Receipt     *solana.Receipt
	Message     string
}

// CreateToken creates a new mint with the connected wallet as mint and
// freeze authority.
func (d *Desk) CreateToken(ctx context.Context, req CreateTokenRequest) (*Result, error) {
	w := write{
		intent:  solana.IntentCreateMint,
		failure: "Failed to create token: ",
		label:   req.Name,
		validate: func() error {
			if req.Decimals > MaxDecimals {
				return ErrInvalidDecimals
			}
			return nil
		},
		build: func(ctx context.Context, wallet solanago.PublicKey) (*solana.Plan, error) {
			return d.planner.CreateMint(ctx, solana.CreateMintParams{
				Decimals:      req.Decimals,
				MintAuthority: wallet,
				Payer:         wallet,
			})
		},
		success: func(plan *solana.Plan) string {
			return "Successfully created token: " + plan.Mint.String()
		},
	}
	if req.Symbol != "" {
		w.label = fmt.Sprintf("%s (%s)", req.Name, req.Symbol)
	}
	return d.run(ctx, w)
}

// MintToken mints tokens to the destination owner's associated account,
// creating that account first when it is absent.
func (d *Desk) MintToken(ctx context.Context, req MintTokenRequest) (*Result, error) {
	mint := req.Mint
	return d.run(ctx, write{
		intent:  solana.IntentMintTo,
		failure: "Failed to mint token: ",
		mint:    &mint,
		amount:  &req.Amount,
		validate: func() error {
			if !req.Amount.IsPositive() {
				return solana.ErrInvalidAmount
			}
			return nil
		},
		build: func(ctx context.Context, wallet solanago.PublicKey) (*solana.Plan, error) {
			dest := req.Destination
			if dest.IsZero() {
				dest = wallet
			}
			return d.planner.MintTo(ctx, solana.MintToParams{
				Mint:        req.Mint,
				Destination: dest,
				Authority:   wallet,
				Payer:       wallet,
				Amount:      req.Amount,
			})
		},
		success: func(*solana.Plan) string {
			return fmt.Sprintf("Successfully minted %s tokens", req.Amount.String())
		},
	})
}

// SendToken transfers tokens from the connected wallet. The sender must
// already hold an associated account for the mint.
func (d *Desk) SendToken(ctx context.Context, req SendTokenRequest) (*Result, error) {
	mint := req.Mint
	return d.run(ctx, write{
		intent:  solana.IntentTransfer,
		failure: "Failed to send token: ",
		mint:    &mint,
		amount:  &req.Amount,
		validate: func() error {
			if req.Receiver.IsZero() {
				return ErrReceiverRequired
			}
			if !req.Amount.IsPositive() {
				return solana.ErrInvalidAmount
			}
			return nil
		},
		build: func(ctx context.Context, wallet solanago.PublicKey) (*solana.Plan, error) {
			return d.planner.Transfer(ctx, solana.TransferParams{
				Mint:     req.Mint,
				Sender:   wallet,
				Receiver: req.Receiver,
				Amount:   req.Amount,
			})
		},
		success: func(*solana.Plan) string {
			return fmt.Sprintf("Successfully sent %s tokens to %s", req.Amount.String(), req.Receiver.String())
		},
	})
}

type write struct {
	intent   solana.Intent
	failure  string
	label    string
	mint     *solanago.PublicKey
	amount   *decimal.Decimal
	validate func() error
	build    func(ctx context.Context, wallet solanago.PublicKey) (*solana.Plan, error)
	success  func(plan *solana.Plan) string
}

func (d *Desk) run(ctx context.Context, w write) (*Result, error) {
	op := string(w.intent)

	signer, ok := d.current()
	if !ok {
		d.reject(w.intent, "no_wallet")
		d.notifier.Notify(ctx, "", NotifyError, noWalletMessage)
		return nil, &solana.OpError{Kind: solana.KindPreconditionFailed, Op: op, Err: solana.ErrWalletNotConnected}
	}
	wallet := signer.PublicKey()

	if err := w.validate(); err != nil {
		d.reject(w.intent, "invalid")
		d.notifier.Notify(ctx, wallet.String(), NotifyError, w.failure+err.Error())
		return nil, &solana.OpError{Kind: solana.KindPreconditionFailed, Op: op, Err: err}
	}

	if !d.gate.TryLock() {
		d.reject(w.intent, "in_progress")
		d.notifier.Notify(ctx, wallet.String(), NotifyError, w.failure+solana.ErrOperationInProgress.Error())
		return nil, &solana.OpError{Kind: solana.KindOperationInProgress, Op: op, Err: solana.ErrOperationInProgress}
	}
	defer d.gate.Unlock()

	// A submitted transaction cannot be withdrawn, so the rest of the write
	// and its bookkeeping outlive the caller.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	d.setInFlight(&InFlight{Intent: w.intent, StartedAt: start.UTC()})
	defer d.setInFlight(nil)

	result := &Result{Intent: w.intent}
	opID := d.journalStart(ctx, w, wallet)
	result.OperationID = opID

	plan, err := w.build(ctx, wallet)
	var receipt *solana.Receipt
	if err == nil {
		result.Mint = plan.Mint
		receipt, err = d.submitter.Execute(ctx, plan, signer)
		result.Receipt = receipt
	}

	status := db.OperationConfirmed
	if err != nil {
		status = db.OperationFailed
	}
	d.journalFinish(ctx, opID, w, wallet, plan, receipt, status, err)
	if d.metrics != nil {
		d.metrics.RecordOperation(op, status, time.Since(start).Seconds())
	}

	if err != nil {
		d.logger.ErrorContext(ctx, "operation failed",
			"intent", op,
			"wallet", wallet.String(),
			"kind", solana.KindOf(err),
			"error", err,
		)
		d.notifier.Notify(ctx, wallet.String(), NotifyError, w.failure+solana.UserMessage(err))
		return result, err
	}

	result.Message = w.success(plan)
	d.logger.InfoContext(ctx, "operation confirmed",
		"intent", op,
		"wallet", wallet.String(),
		"mint", plan.Mint.String(),
		"units", len(receipt.Units),
	)
	d.notifier.Notify(ctx, wallet.String(), NotifySuccess, result.Message)

	_, _ = d.RefreshBalances(ctx, wallet)
	d.scheduleHistoryRefresh(wallet)
	return result, nil
}

func (d *Desk) reject(intent solana.Intent, reason string) {
	if d.metrics != nil {
		d.metrics.RecordOperationRejected(string(intent), reason)
	}
}

func (d *Desk) setInFlight(f *InFlight) {
	d.mu.Lock()
	d.state.InFlight = f
	d.mu.Unlock()
}

// scheduleHistoryRefresh reloads history after the configured delay so the
// new transaction has propagated to the node serving signature lists.
func (d *Desk) scheduleHistoryRefresh(owner solanago.PublicKey) {
	d.refreshes.Add(1)
	go func() {
		defer d.refreshes.Done()

		timer := time.NewTimer(d.cfg.HistoryRefreshDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-d.bg.Done():
			return
		}

		ctx, cancel := context.WithTimeout(d.bg, d.cfg.RefreshTimeout)
		defer cancel()
		_, _ = d.RefreshHistory(ctx, owner)
	}()
}

func (d *Desk) journalStart(ctx context.Context, w write, wallet solanago.PublicKey) string {
	if d.journal == nil {
		return ""
	}
	params := db.CreateOperationParams{
		Kind:    string(w.intent),
		Wallet:  wallet.String(),
		Network: d.cfg.Network,
		Amount:  w.amount,
	}
	if w.mint != nil {
		params.Mint = lo.ToPtr(w.mint.String())
	}
	if w.label != "" {
		params.Label = lo.ToPtr(w.label)
	}
	op, err := d.journal.CreateOperation(ctx, params)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to journal operation", "intent", w.intent, "error", err)
		return ""
	}
	return op.ID
}

func (d *Desk) journalFinish(ctx context.Context, opID string, w write, wallet solanago.PublicKey, plan *solana.Plan, receipt *solana.Receipt, status string, opErr error) {
	var (
		mint       *string
		signatures []string
		errText    *string
	)
	if plan != nil {
		mint = lo.ToPtr(plan.Mint.String())
	}
	if receipt != nil {
		signatures = lo.Map(receipt.Committed(), func(s solanago.Signature, _ int) string { return s.String() })
	}
	if opErr != nil {
		errText = lo.ToPtr(solana.UserMessage(opErr))
	}

	if d.journal != nil && opID != "" {
		_, err := d.journal.CompleteOperation(ctx, db.CompleteOperationParams{
			ID:         opID,
			Status:     status,
			Mint:       mint,
			Signatures: signatures,
			Error:      errText,
		})
		if err != nil {
			d.logger.WarnContext(ctx, "failed to complete journaled operation", "id", opID, "error", err)
		}
	}

	if d.events != nil {
		event := &natspkg.OperationEvent{
			ID:         opID,
			Kind:       string(w.intent),
			Wallet:     wallet.String(),
			Network:    d.cfg.Network,
			Status:     status,
			Signatures: signatures,
			Timestamp:  time.Now().UTC(),
		}
		if mint != nil {
			event.Mint = *mint
		}
		if w.amount != nil {
			event.Amount = w.amount.String()
		}
		if errText != nil {
			event.Error = *errText
		}
		if err := d.events.PublishOperation(ctx, event); err != nil {
			d.logger.WarnContext(ctx, "failed to publish operation event", "intent", w.intent, "error", err)
		}
	}
}

// ArchiveRecords converts reconstructed records into archive rows.
func ArchiveRecords(wallet, network string, records []solana.TransactionRecord) []db.TransactionRecord {
	return lo.Map(records, func(r solana.TransactionRecord, _ int) db.TransactionRecord {
		row := db.TransactionRecord{
			Signature:       r.Signature.String(),
			Wallet:          wallet,
			Network:         network,
			Slot:            int64(r.Slot),
			Status:          string(r.Status),
			Type:            r.Type,
			Details:         r.Details,
			DecimalsGuessed: r.DecimalsGuessed,
		}
		if !r.Timestamp.IsZero() {
			row.BlockTime = lo.ToPtr(r.Timestamp)
		}
		if r.Mint != nil {
			row.Mint = lo.ToPtr(r.Mint.String())
		}
		return row
	})
}
