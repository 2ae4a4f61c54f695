package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/tokendesk/service/config"
	"github.com/brojonat/tokendesk/service/db"
	"github.com/brojonat/tokendesk/service/solana"
	"github.com/brojonat/tokendesk/service/temporal"
	"github.com/brojonat/tokendesk/service/tokens"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLedger struct {
	mu         sync.Mutex
	lamports   uint64
	holdings   []solana.HoldingResult
	records    []solana.RecordResult
	solErr     error
	holdingErr error
	historyErr error
}

func (f *fakeLedger) ListHoldings(ctx context.Context, owner solanago.PublicKey) ([]solana.HoldingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holdings, f.holdingErr
}

func (f *fakeLedger) GetSOLBalance(ctx context.Context, owner solanago.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lamports, f.solErr
}

func (f *fakeLedger) ListRecent(ctx context.Context, owner solanago.PublicKey, limit int) ([]solana.RecordResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, f.historyErr
}

type fakePlanner struct {
	mint solanago.PublicKey
}

func (f *fakePlanner) plan(intent solana.Intent, mint solanago.PublicKey) *solana.Plan {
	return &solana.Plan{Intent: intent, Mint: mint, Units: []solana.Unit{{Label: string(intent)}}}
}

func (f *fakePlanner) CreateMint(ctx context.Context, params solana.CreateMintParams) (*solana.Plan, error) {
	return f.plan(solana.IntentCreateMint, f.mint), nil
}

func (f *fakePlanner) MintTo(ctx context.Context, params solana.MintToParams) (*solana.Plan, error) {
	return f.plan(solana.IntentMintTo, params.Mint), nil
}

func (f *fakePlanner) Transfer(ctx context.Context, params solana.TransferParams) (*solana.Plan, error) {
	return f.plan(solana.IntentTransfer, params.Mint), nil
}

type fakeSubmitter struct {
	err error
}

func (f *fakeSubmitter) Execute(ctx context.Context, plan *solana.Plan, signer solana.Signer) (*solana.Receipt, error) {
	status := solana.UnitConfirmed
	if f.err != nil {
		status = solana.UnitFailed
	}
	return &solana.Receipt{
		Intent: plan.Intent,
		Mint:   plan.Mint,
		Units:  []solana.UnitReport{{Label: plan.Units[0].Label, Status: status, Signature: solanago.Signature{7}}},
	}, f.err
}

type fakeStore struct {
	mu        sync.Mutex
	pingErr   error
	ops       []*db.Operation
	records   []*db.TransactionRecord
	snapshot  *db.HoldingSnapshot
	watched   map[string]*db.WatchedWallet
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{watched: make(map[string]*db.WatchedWallet)}
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) ListOperations(ctx context.Context, wallet, network string, limit int32) ([]*db.Operation, error) {
	return f.ops, nil
}

func (f *fakeStore) ListTransactionRecords(ctx context.Context, wallet, network string, limit int32) ([]*db.TransactionRecord, error) {
	return f.records, nil
}

func (f *fakeStore) LatestHoldingSnapshot(ctx context.Context, wallet, network string) (*db.HoldingSnapshot, error) {
	if f.snapshot == nil {
		return nil, db.ErrNotFound
	}
	return f.snapshot, nil
}

func (f *fakeStore) UpsertWatchedWallet(ctx context.Context, params db.UpsertWatchedWalletParams) (*db.WatchedWallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	now := time.Now().UTC()
	w, ok := f.watched[params.Network+"/"+params.Address]
	if !ok {
		w = &db.WatchedWallet{Address: params.Address, Network: params.Network, CreatedAt: now}
		f.watched[params.Network+"/"+params.Address] = w
	}
	w.SnapshotInterval = params.SnapshotInterval
	w.UpdatedAt = now
	return w, nil
}

func (f *fakeStore) GetWatchedWallet(ctx context.Context, address, network string) (*db.WatchedWallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.watched[network+"/"+address]
	if !ok {
		return nil, db.ErrNotFound
	}
	return w, nil
}

func (f *fakeStore) ListWatchedWallets(ctx context.Context) ([]*db.WatchedWallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*db.WatchedWallet, 0, len(f.watched))
	for _, w := range f.watched {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeStore) DeleteWatchedWallet(ctx context.Context, address, network string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, network+"/"+address)
	return nil
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	desk      *tokens.Desk
	ledger    *fakeLedger
	submitter *fakeSubmitter
	store     *fakeStore
	scheduler *temporal.MockScheduler
	wallet    solanago.PublicKey
	mint      solanago.PublicKey
}

// newTestEnv builds a server around a desk backed by fakes. When connect is
// set a random wallet is connected.
func newTestEnv(t *testing.T, connect bool) *testEnv {
	t.Helper()

	env := &testEnv{
		ledger:    &fakeLedger{lamports: 1_500_000_000},
		submitter: &fakeSubmitter{},
		store:     newFakeStore(),
		scheduler: temporal.NewMockScheduler(),
		mint:      solanago.NewWallet().PublicKey(),
	}
	env.desk = tokens.New(tokens.Deps{
		Ledger:    env.ledger,
		Planner:   &fakePlanner{mint: env.mint},
		Submitter: env.submitter,
		Logger:    testLogger(),
	}, tokens.Config{Network: "devnet", HistoryRefreshDelay: time.Hour})
	t.Cleanup(env.desk.Close)

	if connect {
		key, err := solanago.NewRandomPrivateKey()
		require.NoError(t, err)
		require.NoError(t, env.desk.Connect(context.Background(), solana.NewLocalWallet(key)))
		env.wallet = key.PublicKey()
	}

	cfg := &config.Config{SolanaNetwork: "devnet", SnapshotInterval: 5 * time.Minute}
	env.server = New(":0", cfg, env.desk, env.store, env.scheduler, nil, nil, testLogger())
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

func TestCreateToken(t *testing.T) {
	t.Run("creates a mint", func(t *testing.T) {
		env := newTestEnv(t, true)
		w := env.do(t, http.MethodPost, "/api/v1/tokens", `{"name":"Desk","symbol":"DSK","decimals":6}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp writeResponse
		decode(t, w, &resp)
		assert.Equal(t, "create_mint", resp.Intent)
		assert.Equal(t, env.mint.String(), resp.Mint)
		assert.NotEmpty(t, resp.Message)
		require.Len(t, resp.Units, 1)
		assert.Equal(t, "confirmed", resp.Units[0].Status)
		assert.Len(t, resp.Committed, 1)
	})

	tests := []struct {
		name           string
		connect        bool
		body           string
		expectedStatus int
		errorContains  string
	}{
		{
			name:           "missing decimals",
			connect:        true,
			body:           `{"name":"Desk"}`,
			expectedStatus: http.StatusBadRequest,
			errorContains:  "decimals is required",
		},
		{
			name:           "decimals above nine",
			connect:        true,
			body:           `{"decimals":10}`,
			expectedStatus: http.StatusBadRequest,
			errorContains:  "decimals must be between 0 and 9",
		},
		{
			name:           "negative decimals",
			connect:        true,
			body:           `{"decimals":-1}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed JSON",
			connect:        true,
			body:           `{"decimals":`,
			expectedStatus: http.StatusBadRequest,
			errorContains:  "invalid request body",
		},
		{
			name:           "extremely large request body",
			connect:        true,
			body:           `{"name":"` + strings.Repeat("A", 2*1024*1024) + `","decimals":6}`,
			expectedStatus: http.StatusBadRequest,
			errorContains:  "request body too large",
		},
		{
			name:           "no wallet connected",
			connect:        false,
			body:           `{"decimals":6}`,
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.connect)
			w := env.do(t, http.MethodPost, "/api/v1/tokens", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.errorContains != "" {
				assert.Contains(t, w.Body.String(), tt.errorContains)
			}
		})
	}
}

func TestMintToken(t *testing.T) {
	t.Run("mints to self", func(t *testing.T) {
		env := newTestEnv(t, true)
		w := env.do(t, http.MethodPost, "/api/v1/tokens/"+env.mint.String()+"/mint", `{"amount":"12.5"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp writeResponse
		decode(t, w, &resp)
		assert.Equal(t, "mint_to", resp.Intent)
		assert.Equal(t, env.mint.String(), resp.Mint)
	})

	t.Run("zero amount is a precondition failure", func(t *testing.T) {
		env := newTestEnv(t, true)
		w := env.do(t, http.MethodPost, "/api/v1/tokens/"+env.mint.String()+"/mint", `{"amount":"0"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

		var resp errorResponse
		decode(t, w, &resp)
		assert.Equal(t, string(solana.KindPreconditionFailed), resp.Kind)
	})

	t.Run("unparseable amount", func(t *testing.T) {
		env := newTestEnv(t, true)
		w := env.do(t, http.MethodPost, "/api/v1/tokens/"+env.mint.String()+"/mint", `{"amount":"lots"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid amount")
	})

	t.Run("invalid mint in path", func(t *testing.T) {
		env := newTestEnv(t, true)
		w := env.do(t, http.MethodPost, "/api/v1/tokens/not-base58-0OIl/mint", `{"amount":"1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid mint")
	})

	t.Run("submission failure carries the operation", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.submitter.err = &solana.OpError{Kind: solana.KindSubmissionFailed, Op: "submit", Err: errors.New("blockhash not found")}

		w := env.do(t, http.MethodPost, "/api/v1/tokens/"+env.mint.String()+"/mint", `{"amount":"1"}`)
		assert.Equal(t, http.StatusBadGateway, w.Code)

		var resp errorResponse
		decode(t, w, &resp)
		assert.Equal(t, string(solana.KindSubmissionFailed), resp.Kind)
		require.NotNil(t, resp.Operation)
		require.Len(t, resp.Operation.Units, 1)
		assert.Equal(t, "failed", resp.Operation.Units[0].Status)
	})

	t.Run("confirmation timeout", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.submitter.err = &solana.OpError{Kind: solana.KindConfirmationTimeout, Op: "confirm", Err: errors.New("deadline")}

		w := env.do(t, http.MethodPost, "/api/v1/tokens/"+env.mint.String()+"/mint", `{"amount":"1"}`)
		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	})
}

func TestSendToken(t *testing.T) {
	receiver := solanago.NewWallet().PublicKey()

	t.Run("sends to receiver", func(t *testing.T) {
		env := newTestEnv(t, true)
		w := env.do(t, http.MethodPost, "/api/v1/tokens/"+env.mint.String()+"/send",
			`{"amount":"3","receiver":"`+receiver.String()+`"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp writeResponse
		decode(t, w, &resp)
		assert.Equal(t, "transfer", resp.Intent)
		assert.Contains(t, resp.Message, receiver.String())
	})

	t.Run("missing receiver", func(t *testing.T) {
		env := newTestEnv(t, true)
		w := env.do(t, http.MethodPost, "/api/v1/tokens/"+env.mint.String()+"/send", `{"amount":"3"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid receiver")
	})
}

func TestGetWallet(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		env := newTestEnv(t, true)
		w := env.do(t, http.MethodGet, "/api/v1/wallet", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp walletResponse
		decode(t, w, &resp)
		assert.True(t, resp.Connected)
		assert.Equal(t, env.wallet.String(), resp.Address)
		assert.Equal(t, "devnet", resp.Network)
		assert.Equal(t, "1.5", resp.SOLBalance)
		assert.Nil(t, resp.InFlight)
	})

	t.Run("disconnected", func(t *testing.T) {
		env := newTestEnv(t, false)
		w := env.do(t, http.MethodGet, "/api/v1/wallet", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp walletResponse
		decode(t, w, &resp)
		assert.False(t, resp.Connected)
		assert.Empty(t, resp.Address)
	})
}

func TestListHoldings(t *testing.T) {
	mint := solanago.NewWallet().PublicKey()
	account := solanago.NewWallet().PublicKey()
	holding := &solana.Holding{
		Mint:         mint,
		TokenAccount: account,
		RawAmount:    12345,
		Decimals:     2,
		Balance:      decimal.RequireFromString("123.45"),
	}

	t.Run("cached state for the connected wallet", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.ledger.holdings = []solana.HoldingResult{{TokenAccount: account, Holding: holding}}
		key, err := solanago.NewRandomPrivateKey()
		require.NoError(t, err)
		require.NoError(t, env.desk.Connect(context.Background(), solana.NewLocalWallet(key)))

		w := env.do(t, http.MethodGet, "/api/v1/holdings", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp holdingsResponse
		decode(t, w, &resp)
		assert.Equal(t, key.PublicKey().String(), resp.Owner)
		require.Len(t, resp.Holdings, 1)
		assert.Equal(t, "123.45", resp.Holdings[0].Balance)
		assert.NotNil(t, resp.UpdatedAt)
	})

	t.Run("other owner is read live", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.ledger.holdings = []solana.HoldingResult{
			{TokenAccount: account, Holding: holding},
			{TokenAccount: solanago.NewWallet().PublicKey(), Err: errors.New("undecodable")},
		}
		owner := solanago.NewWallet().PublicKey()

		w := env.do(t, http.MethodGet, "/api/v1/holdings?owner="+owner.String(), "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp holdingsResponse
		decode(t, w, &resp)
		assert.Equal(t, owner.String(), resp.Owner)
		assert.Len(t, resp.Holdings, 1)
		assert.Equal(t, 1, resp.Skipped)
		assert.Empty(t, resp.Warning)
	})

	t.Run("partial failure returns a warning", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.ledger.solErr = errors.New("rpc down")
		env.ledger.holdings = []solana.HoldingResult{{TokenAccount: account, Holding: holding}}

		w := env.do(t, http.MethodGet, "/api/v1/holdings?owner="+solanago.NewWallet().PublicKey().String(), "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp holdingsResponse
		decode(t, w, &resp)
		assert.Len(t, resp.Holdings, 1)
		assert.NotEmpty(t, resp.Warning)
	})

	t.Run("both reads failing is an error", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.ledger.solErr = errors.New("rpc down")
		env.ledger.holdingErr = errors.New("rpc down")

		w := env.do(t, http.MethodGet, "/api/v1/holdings?owner="+solanago.NewWallet().PublicKey().String(), "")
		assert.GreaterOrEqual(t, w.Code, http.StatusInternalServerError)
	})

	t.Run("owner required without a wallet", func(t *testing.T) {
		env := newTestEnv(t, false)
		w := env.do(t, http.MethodGet, "/api/v1/holdings", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "owner query parameter is required")
	})
}

func TestListHistory(t *testing.T) {
	mint := solanago.NewWallet().PublicKey()
	blockTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("live records", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.ledger.records = []solana.RecordResult{{Record: &solana.TransactionRecord{
			Signature: solanago.Signature{1},
			Slot:      10,
			Timestamp: blockTime,
			Status:    solana.StatusSuccess,
			Type:      solana.TypeMintTo,
			Details:   "Minted 5 tokens",
			Mint:      &mint,
		}}}

		w := env.do(t, http.MethodGet, "/api/v1/history?owner="+solanago.NewWallet().PublicKey().String(), "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp historyResponse
		decode(t, w, &resp)
		assert.Equal(t, "live", resp.Source)
		require.Len(t, resp.Records, 1)
		assert.Equal(t, "Success", resp.Records[0].Status)
		assert.Equal(t, "mintTo", resp.Records[0].Type)
		require.NotNil(t, resp.Records[0].Mint)
		assert.Equal(t, mint.String(), *resp.Records[0].Mint)
	})

	t.Run("archived records", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.store.records = []*db.TransactionRecord{{
			Signature: "sig1",
			Slot:      10,
			BlockTime: &blockTime,
			Status:    "Success",
			Type:      "transfer",
			Details:   "Sent 1 token",
		}}

		w := env.do(t, http.MethodGet, "/api/v1/history?source=archive", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp historyResponse
		decode(t, w, &resp)
		assert.Equal(t, "archive", resp.Source)
		require.Len(t, resp.Records, 1)
		assert.Equal(t, "sig1", resp.Records[0].Signature)
	})

	t.Run("unknown source", func(t *testing.T) {
		env := newTestEnv(t, true)
		w := env.do(t, http.MethodGet, "/api/v1/history?source=cache", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid limit", func(t *testing.T) {
		env := newTestEnv(t, true)
		for _, limit := range []string{"abc", "0", "1001"} {
			w := env.do(t, http.MethodGet, "/api/v1/history?limit="+limit, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
		}
	})
}

func TestNotifications(t *testing.T) {
	env := newTestEnv(t, false)

	// A write without a wallet raises an error notification.
	w := env.do(t, http.MethodPost, "/api/v1/tokens", `{"decimals":6}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/notifications", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Notifications []tokens.Notification `json:"notifications"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Notifications, 1)
	assert.Equal(t, tokens.NotifyError, resp.Notifications[0].Type)

	w = env.do(t, http.MethodDelete, "/api/v1/notifications/"+resp.Notifications[0].ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/notifications/"+resp.Notifications[0].ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListOperations(t *testing.T) {
	env := newTestEnv(t, true)
	amount := decimal.RequireFromString("2.5")
	env.store.ops = []*db.Operation{{
		ID:         "op-1",
		Kind:       "mint_to",
		Wallet:     env.wallet.String(),
		Network:    "devnet",
		Amount:     &amount,
		Status:     db.OperationConfirmed,
		Signatures: []string{"sig1"},
		CreatedAt:  time.Now().UTC(),
	}}

	w := env.do(t, http.MethodGet, "/api/v1/operations", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Operations []operationResponse `json:"operations"`
		Count      int                 `json:"count"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Operations, 1)
	require.NotNil(t, resp.Operations[0].Amount)
	assert.Equal(t, "2.5", *resp.Operations[0].Amount)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	env.store.pingErr = errors.New("connection refused")
	w = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodOptions, "/api/v1/tokens", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr string
	}{
		{"valid", "11111111111111111111111111111111", ""},
		{"empty", "", "address is required"},
		{"too long", strings.Repeat("A", 101), "address too long"},
		{"control character", "abc\x00def", "control characters"},
		{"non base58", "0OIl", "base58"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAddress(tt.address)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusForKind(solana.KindOperationInProgress))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForKind(solana.KindPreconditionFailed))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForKind(solana.KindAccountAbsent))
	assert.Equal(t, http.StatusBadGateway, statusForKind(solana.KindLookupFailed))
	assert.Equal(t, http.StatusGatewayTimeout, statusForKind(solana.KindConfirmationTimeout))
}
