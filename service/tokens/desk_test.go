package tokens

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/tokendesk/service/db"
	natspkg "github.com/brojonat/tokendesk/service/nats"
	"github.com/brojonat/tokendesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newKey(t *testing.T) solanago.PrivateKey {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

type fakeLedger struct {
	mu           sync.Mutex
	lamports     uint64
	holdings     []solana.HoldingResult
	records      []solana.RecordResult
	solErr       error
	holdingErr   error
	historyErr   error
	balanceCalls int
	historyCalls int
	lastLimit    int
}

func (f *fakeLedger) ListHoldings(ctx context.Context, owner solanago.PublicKey) ([]solana.HoldingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.holdingErr != nil {
		return nil, f.holdingErr
	}
	return f.holdings, nil
}

func (f *fakeLedger) GetSOLBalance(ctx context.Context, owner solanago.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lamports, f.solErr
}

func (f *fakeLedger) ListRecent(ctx context.Context, owner solanago.PublicKey, limit int) ([]solana.RecordResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	f.lastLimit = limit
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.records, nil
}

func (f *fakeLedger) calls() (balances, history int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceCalls, f.historyCalls
}

type fakePlanner struct {
	mu       sync.Mutex
	mint     solanago.PublicKey
	err      error
	mintTo   []solana.MintToParams
	transfer []solana.TransferParams
	create   []solana.CreateMintParams
}

func (f *fakePlanner) plan(intent solana.Intent, mint solanago.PublicKey) (*solana.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &solana.Plan{Intent: intent, Mint: mint, Units: []solana.Unit{{Label: string(intent)}}}, nil
}

func (f *fakePlanner) CreateMint(ctx context.Context, params solana.CreateMintParams) (*solana.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.create = append(f.create, params)
	return f.plan(solana.IntentCreateMint, f.mint)
}

func (f *fakePlanner) MintTo(ctx context.Context, params solana.MintToParams) (*solana.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mintTo = append(f.mintTo, params)
	return f.plan(solana.IntentMintTo, params.Mint)
}

func (f *fakePlanner) Transfer(ctx context.Context, params solana.TransferParams) (*solana.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfer = append(f.transfer, params)
	return f.plan(solana.IntentTransfer, params.Mint)
}

type fakeSubmitter struct {
	err     error
	release chan struct{}
	started chan struct{}
	// ctxErr is the context error seen once the submission is released.
	ctxErr error
}

func (f *fakeSubmitter) Execute(ctx context.Context, plan *solana.Plan, signer solana.Signer) (*solana.Receipt, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.ctxErr = ctx.Err()
	receipt := &solana.Receipt{Intent: plan.Intent, Mint: plan.Mint}
	status := solana.UnitConfirmed
	if f.err != nil {
		status = solana.UnitFailed
	}
	receipt.Units = append(receipt.Units, solana.UnitReport{Label: plan.Units[0].Label, Status: status, Signature: solanago.Signature{9}})
	return receipt, f.err
}

type fakeJournal struct {
	mu          sync.Mutex
	created     []db.CreateOperationParams
	completed   []db.CompleteOperationParams
	completeErr []error // ctx.Err() at each completion
}

func (f *fakeJournal) CreateOperation(ctx context.Context, params db.CreateOperationParams) (*db.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	return &db.Operation{ID: "op-1", Kind: params.Kind, Status: db.OperationPending}, nil
}

func (f *fakeJournal) CompleteOperation(ctx context.Context, params db.CompleteOperationParams) (*db.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, params)
	f.completeErr = append(f.completeErr, ctx.Err())
	return &db.Operation{ID: params.ID, Status: params.Status}, nil
}

type fakeArchive struct {
	mu   sync.Mutex
	rows []db.TransactionRecord
}

func (f *fakeArchive) UpsertTransactionRecords(ctx context.Context, records []db.TransactionRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, records...)
	return len(records), nil
}

type deskFixture struct {
	desk      *Desk
	ledger    *fakeLedger
	planner   *fakePlanner
	submitter *fakeSubmitter
	journal   *fakeJournal
	archive   *fakeArchive
	events    *natspkg.MockPublisher
	wallet    *solana.LocalWallet
}

func newDeskFixture(t *testing.T) *deskFixture {
	t.Helper()
	mint := newKey(t).PublicKey()
	f := &deskFixture{
		ledger: &fakeLedger{
			lamports: 1_500_000_000,
			holdings: []solana.HoldingResult{
				{Holding: &solana.Holding{Mint: mint, RawAmount: 250, Decimals: 2, Balance: decimal.RequireFromString("2.5")}},
				{Err: errors.New("corrupt account")},
			},
			records: []solana.RecordResult{
				{Record: &solana.TransactionRecord{Signature: solanago.Signature{1}, Slot: 7, Type: solana.TypeMintTo, Status: solana.StatusSuccess, Timestamp: time.Unix(1_700_000_000, 0).UTC(), Mint: &mint}},
				{Signature: solanago.Signature{2}, Err: errors.New("body unavailable")},
			},
		},
		planner:   &fakePlanner{mint: mint},
		submitter: &fakeSubmitter{},
		journal:   &fakeJournal{},
		archive:   &fakeArchive{},
		events:    natspkg.NewMockPublisher(),
		wallet:    solana.NewLocalWallet(newKey(t)),
	}
	f.desk = New(Deps{
		Ledger:    f.ledger,
		Planner:   f.planner,
		Submitter: f.submitter,
		Notifier:  NewNotifier(time.Minute, f.events, nil, testLogger()),
		Journal:   f.journal,
		Archive:   f.archive,
		Events:    f.events,
		Logger:    testLogger(),
	}, Config{Network: "devnet", HistoryLimit: 20, HistoryRefreshDelay: 10 * time.Millisecond})
	t.Cleanup(f.desk.Close)
	return f
}

func (f *deskFixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.desk.Connect(context.Background(), f.wallet))
}

func lastNotification(t *testing.T, d *Desk) Notification {
	t.Helper()
	notes := d.Notifications()
	require.NotEmpty(t, notes)
	return notes[len(notes)-1]
}

func TestConnect_LoadsState(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)

	state := f.desk.Snapshot()
	assert.True(t, state.Connected)
	assert.Equal(t, f.wallet.PublicKey(), state.Wallet)
	assert.Equal(t, "1.5", state.SOLBalance.String())
	require.Len(t, state.Holdings, 1)
	assert.Equal(t, "2.5", state.Holdings[0].Balance.String())
	require.Len(t, state.Records, 1)
	assert.Equal(t, solana.TypeMintTo, state.Records[0].Type)
	assert.False(t, state.BalancesUpdatedAt.IsZero())
	assert.False(t, state.HistoryUpdatedAt.IsZero())
	assert.Nil(t, state.InFlight)
	assert.Equal(t, 20, f.ledger.lastLimit)

	f.archive.mu.Lock()
	defer f.archive.mu.Unlock()
	require.Len(t, f.archive.rows, 1)
	assert.Equal(t, "devnet", f.archive.rows[0].Network)
}

func TestDisconnect_ClearsState(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)

	f.desk.Disconnect()
	state := f.desk.Snapshot()
	assert.False(t, state.Connected)
	assert.Empty(t, state.Holdings)
	assert.Empty(t, state.Records)

	_, err := f.desk.MintToken(context.Background(), MintTokenRequest{Mint: f.planner.mint, Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, solana.ErrWalletNotConnected)
	assert.Equal(t, noWalletMessage, lastNotification(t, f.desk).Message)
}

func TestCreateToken_Success(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)
	balanceCalls, historyCalls := f.ledger.calls()

	result, err := f.desk.CreateToken(context.Background(), CreateTokenRequest{Name: "Desk", Symbol: "DSK", Decimals: 9})
	require.NoError(t, err)
	assert.Equal(t, "op-1", result.OperationID)
	assert.Equal(t, f.planner.mint, result.Mint)
	assert.Equal(t, "Successfully created token: "+f.planner.mint.String(), result.Message)

	note := lastNotification(t, f.desk)
	assert.Equal(t, NotifySuccess, note.Type)
	assert.Equal(t, result.Message, note.Message)

	require.Len(t, f.planner.create, 1)
	assert.Equal(t, uint8(9), f.planner.create[0].Decimals)
	assert.Equal(t, f.wallet.PublicKey(), f.planner.create[0].MintAuthority)
	assert.Equal(t, f.wallet.PublicKey(), f.planner.create[0].Payer)

	// balances immediately, history after the delay
	b, _ := f.ledger.calls()
	assert.Equal(t, balanceCalls+1, b)
	require.Eventually(t, func() bool {
		_, h := f.ledger.calls()
		return h == historyCalls+1
	}, time.Second, 5*time.Millisecond)

	require.Len(t, f.journal.created, 1)
	assert.Equal(t, "create_mint", f.journal.created[0].Kind)
	require.NotNil(t, f.journal.created[0].Label)
	assert.Equal(t, "Desk (DSK)", *f.journal.created[0].Label)
	require.Len(t, f.journal.completed, 1)
	assert.Equal(t, db.OperationConfirmed, f.journal.completed[0].Status)
	assert.Len(t, f.journal.completed[0].Signatures, 1)

	ops := f.events.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, "confirmed", ops[0].Status)
	assert.Equal(t, f.planner.mint.String(), ops[0].Mint)
}

func TestCreateToken_InvalidDecimals(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)

	_, err := f.desk.CreateToken(context.Background(), CreateTokenRequest{Name: "Wide", Decimals: 12})
	require.Error(t, err)
	assert.True(t, solana.IsKind(err, solana.KindPreconditionFailed))
	assert.ErrorIs(t, err, ErrInvalidDecimals)
	assert.Empty(t, f.planner.create)
	assert.Equal(t, "Failed to create token: "+ErrInvalidDecimals.Error(), lastNotification(t, f.desk).Message)
}

func TestMintToken_DefaultsDestinationToWallet(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)
	other := newKey(t).PublicKey()

	result, err := f.desk.MintToken(context.Background(), MintTokenRequest{Mint: f.planner.mint, Amount: decimal.RequireFromString("2.5")})
	require.NoError(t, err)
	assert.Equal(t, "Successfully minted 2.5 tokens", result.Message)

	_, err = f.desk.MintToken(context.Background(), MintTokenRequest{Mint: f.planner.mint, Amount: decimal.NewFromInt(1), Destination: other})
	require.NoError(t, err)

	require.Len(t, f.planner.mintTo, 2)
	assert.Equal(t, f.wallet.PublicKey(), f.planner.mintTo[0].Destination)
	assert.Equal(t, other, f.planner.mintTo[1].Destination)
	assert.Equal(t, f.wallet.PublicKey(), f.planner.mintTo[1].Authority)
}

func TestSendToken_FailureDoesNotRefresh(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)
	before := f.desk.Snapshot()
	balanceCalls, historyCalls := f.ledger.calls()

	f.submitter.err = &solana.OpError{Kind: solana.KindSubmissionFailed, Op: "transfer", Err: errors.New("insufficient funds")}
	receiver := newKey(t).PublicKey()
	result, err := f.desk.SendToken(context.Background(), SendTokenRequest{Mint: f.planner.mint, Receiver: receiver, Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.True(t, solana.IsKind(err, solana.KindSubmissionFailed))
	require.NotNil(t, result)
	require.NotNil(t, result.Receipt)
	assert.Empty(t, result.Receipt.Committed())

	note := lastNotification(t, f.desk)
	assert.Equal(t, NotifyError, note.Type)
	assert.Equal(t, "Failed to send token: insufficient funds", note.Message)

	f.desk.Close()
	b, h := f.ledger.calls()
	assert.Equal(t, balanceCalls, b)
	assert.Equal(t, historyCalls, h)
	assert.Equal(t, before.Holdings, f.desk.Snapshot().Holdings)

	require.Len(t, f.journal.completed, 1)
	assert.Equal(t, db.OperationFailed, f.journal.completed[0].Status)
	require.NotNil(t, f.journal.completed[0].Error)
	assert.Equal(t, "insufficient funds", *f.journal.completed[0].Error)
}

func TestSendToken_Validation(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)

	_, err := f.desk.SendToken(context.Background(), SendTokenRequest{Mint: f.planner.mint, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrReceiverRequired)

	_, err = f.desk.SendToken(context.Background(), SendTokenRequest{Mint: f.planner.mint, Receiver: newKey(t).PublicKey(), Amount: decimal.Zero})
	assert.ErrorIs(t, err, solana.ErrInvalidAmount)
	assert.Empty(t, f.planner.transfer)
}

func TestSendToken_PlanErrorIsReported(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)
	f.planner.err = &solana.OpError{Kind: solana.KindPreconditionFailed, Op: "transfer", Err: solana.ErrNoSourceAccount}

	_, err := f.desk.SendToken(context.Background(), SendTokenRequest{Mint: f.planner.mint, Receiver: newKey(t).PublicKey(), Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, solana.ErrNoSourceAccount)
	assert.Equal(t, "Failed to send token: "+solana.ErrNoSourceAccount.Error(), lastNotification(t, f.desk).Message)
}

func TestWriteGate_RejectsConcurrentWrite(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)
	f.submitter.started = make(chan struct{}, 1)
	f.submitter.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.desk.MintToken(context.Background(), MintTokenRequest{Mint: f.planner.mint, Amount: decimal.NewFromInt(1)})
		done <- err
	}()
	<-f.submitter.started

	inFlight := f.desk.Snapshot().InFlight
	require.NotNil(t, inFlight)
	assert.Equal(t, solana.IntentMintTo, inFlight.Intent)

	_, err := f.desk.SendToken(context.Background(), SendTokenRequest{Mint: f.planner.mint, Receiver: newKey(t).PublicKey(), Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.True(t, solana.IsKind(err, solana.KindOperationInProgress))
	assert.ErrorIs(t, err, solana.ErrOperationInProgress)

	close(f.submitter.release)
	require.NoError(t, <-done)
	assert.Nil(t, f.desk.Snapshot().InFlight)

	f.submitter.started = nil
	f.submitter.release = nil
	_, err = f.desk.MintToken(context.Background(), MintTokenRequest{Mint: f.planner.mint, Amount: decimal.NewFromInt(1)})
	assert.NoError(t, err, "gate is released after the first write")
}

func TestWrite_OutlivesCancelledCaller(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)
	f.submitter.started = make(chan struct{}, 1)
	f.submitter.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.desk.MintToken(ctx, MintTokenRequest{Mint: f.planner.mint, Amount: decimal.NewFromInt(3)})
		done <- err
	}()
	<-f.submitter.started
	cancel()
	close(f.submitter.release)

	require.NoError(t, <-done)
	assert.NoError(t, f.submitter.ctxErr, "submission keeps a live context")

	f.journal.mu.Lock()
	defer f.journal.mu.Unlock()
	require.Len(t, f.journal.completed, 1)
	assert.Equal(t, db.OperationConfirmed, f.journal.completed[0].Status)
	assert.NoError(t, f.journal.completeErr[0], "journal is completed with a live context")

	var succeeded bool
	for _, n := range f.desk.Notifications() {
		succeeded = succeeded || n.Type == NotifySuccess
	}
	assert.True(t, succeeded)
}

func TestRefreshBalances_OtherOwnerLeavesStateAlone(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)
	before := f.desk.Snapshot()

	f.ledger.lamports = 42
	balances, err := f.desk.RefreshBalances(context.Background(), newKey(t).PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), balances.Lamports)
	assert.Equal(t, 1, balances.Skipped)

	after := f.desk.Snapshot()
	assert.Equal(t, before.SOLBalance.String(), after.SOLBalance.String())
	assert.Equal(t, before.BalancesUpdatedAt, after.BalancesUpdatedAt)
}

func TestRefreshBalances_PartialFailure(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)

	f.ledger.lamports = 3_000_000_000
	f.ledger.holdingErr = &solana.OpError{Kind: solana.KindLookupFailed, Op: "GetTokenAccountsByOwner", Err: errors.New("node is behind")}

	_, err := f.desk.RefreshBalances(context.Background(), f.wallet.PublicKey())
	require.Error(t, err)

	state := f.desk.Snapshot()
	assert.Equal(t, "3", state.SOLBalance.String())
	assert.Len(t, state.Holdings, 1, "holdings keep their last good value")
	assert.Equal(t, "Failed to fetch tokens: node is behind", lastNotification(t, f.desk).Message)
}

func TestRefreshHistory_FailureKeepsRecords(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)

	f.ledger.historyErr = errors.New("too many requests")
	_, err := f.desk.RefreshHistory(context.Background(), f.wallet.PublicKey())
	require.Error(t, err)
	assert.Len(t, f.desk.Snapshot().Records, 1)
	assert.Equal(t, "Failed to fetch transaction history: too many requests", lastNotification(t, f.desk).Message)
}

func TestSnapshot_ReturnsCopy(t *testing.T) {
	f := newDeskFixture(t)
	f.connect(t)

	snap := f.desk.Snapshot()
	snap.Holdings[0].RawAmount = 1
	*snap.Records[0].Mint = solanago.PublicKey{}

	fresh := f.desk.Snapshot()
	assert.Equal(t, uint64(250), fresh.Holdings[0].RawAmount)
	assert.False(t, fresh.Records[0].Mint.IsZero())
}

func TestArchiveRecords(t *testing.T) {
	mint := newKey(t).PublicKey()
	at := time.Unix(1_700_000_000, 0).UTC()
	rows := ArchiveRecords("wallet1", "devnet", []solana.TransactionRecord{
		{Signature: solanago.Signature{1}, Slot: 5, Timestamp: at, Status: solana.StatusFailed, Type: "transfer", Details: "x", Mint: &mint, DecimalsGuessed: true},
		{Signature: solanago.Signature{2}, Slot: 6},
	})
	require.Len(t, rows, 2)
	assert.Equal(t, solanago.Signature{1}.String(), rows[0].Signature)
	assert.Equal(t, int64(5), rows[0].Slot)
	assert.Equal(t, "Failed", rows[0].Status)
	require.NotNil(t, rows[0].BlockTime)
	assert.True(t, at.Equal(*rows[0].BlockTime))
	require.NotNil(t, rows[0].Mint)
	assert.Equal(t, mint.String(), *rows[0].Mint)
	assert.True(t, rows[0].DecimalsGuessed)
	assert.Nil(t, rows[1].BlockTime)
	assert.Nil(t, rows[1].Mint)
}
