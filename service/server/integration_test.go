package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/tokendesk/client"
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

// TestServerIntegration tests the full request/response cycle with a real
// database behind the journal and the watch routes.
func TestServerIntegration(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)

	mint := solanago.NewWallet().PublicKey()
	desk := tokens.New(tokens.Deps{
		Ledger:    &fakeLedger{lamports: 1_000_000_000},
		Planner:   &fakePlanner{mint: mint},
		Submitter: &fakeSubmitter{},
		Journal:   store.Store,
		Archive:   store.Store,
		Logger:    testLogger(),
	}, tokens.Config{Network: "devnet", HistoryRefreshDelay: time.Hour})
	defer desk.Close()

	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	require.NoError(t, desk.Connect(context.Background(), solana.NewLocalWallet(key)))

	cfg := &config.Config{SolanaNetwork: "devnet", SnapshotInterval: 5 * time.Minute}
	scheduler := temporal.NewMockScheduler()
	srv := New(":0", cfg, desk, store.Store, scheduler, nil, nil, testLogger())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := client.NewClient(ts.URL, nil, testLogger())
	ctx := context.Background()

	t.Run("health", func(t *testing.T) {
		require.NoError(t, c.Health(ctx))
	})

	t.Run("mint is journaled", func(t *testing.T) {
		result, err := c.MintToken(ctx, mint.String(), decimal.RequireFromString("4.2"), "")
		require.NoError(t, err)
		require.NotEmpty(t, result.OperationID)

		ops, err := c.Operations(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, result.OperationID, ops[0].ID)
		assert.Equal(t, "mint_to", ops[0].Kind)
		assert.Equal(t, db.OperationConfirmed, ops[0].Status)
		require.NotNil(t, ops[0].Amount)
		assert.True(t, decimal.RequireFromString("4.2").Equal(*ops[0].Amount))
	})

	address := solanago.NewWallet().PublicKey().String()

	t.Run("watch wallet", func(t *testing.T) {
		watched, err := c.Watch(ctx, address, "", 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Minute, watched.SnapshotInterval)

		interval, ok := scheduler.ScheduleInterval(address, "devnet")
		require.True(t, ok)
		assert.Equal(t, 10*time.Minute, interval)
	})

	t.Run("watch again updates interval", func(t *testing.T) {
		watched, err := c.Watch(ctx, address, "", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, time.Hour, watched.SnapshotInterval)

		wallets, err := c.ListWatched(ctx)
		require.NoError(t, err)
		require.Len(t, wallets, 1)
		assert.Equal(t, time.Hour, wallets[0].SnapshotInterval)
	})

	t.Run("latest snapshot", func(t *testing.T) {
		_, err := c.LatestSnapshot(ctx, address, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no snapshot recorded")

		_, err = store.InsertHoldingSnapshot(ctx, db.HoldingSnapshot{
			Wallet:      address,
			Network:     "devnet",
			TakenAt:     time.Now().UTC(),
			SOLLamports: 3_000_000_000,
			Holdings:    []db.SnapshotHolding{{Mint: mint.String(), TokenAccount: "Acc", RawAmount: 500, Decimals: 2}},
		})
		require.NoError(t, err)

		snap, err := c.LatestSnapshot(ctx, address, "")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(3).Equal(snap.SOLBalance))
		require.Len(t, snap.Holdings, 1)
		assert.True(t, decimal.NewFromInt(5).Equal(snap.Holdings[0].Balance))
	})

	t.Run("unwatch wallet", func(t *testing.T) {
		require.NoError(t, c.Unwatch(ctx, address, ""))
		assert.Equal(t, 0, scheduler.ScheduleCount())

		err := c.Unwatch(ctx, address, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not watched")
	})
}
