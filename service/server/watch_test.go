package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/brojonat/tokendesk/service/db"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchWallet_CreatesSchedule(t *testing.T) {
	tests := []struct {
		name     string
		interval string
		expected time.Duration
	}{
		{name: "default interval", interval: "", expected: 5 * time.Minute},
		{name: "one minute", interval: "1m", expected: time.Minute},
		{name: "one hour", interval: "1h", expected: time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			address := solanago.NewWallet().PublicKey().String()

			body := fmt.Sprintf(`{"address":"%s","interval":"%s"}`, address, tt.interval)
			w := env.do(t, http.MethodPost, "/api/v1/watch", body)
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

			interval, ok := env.scheduler.ScheduleInterval(address, "devnet")
			require.True(t, ok, "schedule should exist for wallet")
			assert.Equal(t, tt.expected, interval)

			var resp watchResponse
			decode(t, w, &resp)
			assert.Equal(t, address, resp.Address)
			assert.Equal(t, "devnet", resp.Network)
			assert.Equal(t, tt.expected.String(), resp.SnapshotInterval)
		})
	}
}

func TestWatchWallet_UpdatesInterval(t *testing.T) {
	env := newTestEnv(t, false)
	address := solanago.NewWallet().PublicKey().String()

	w := env.do(t, http.MethodPost, "/api/v1/watch", `{"address":"`+address+`","interval":"10m"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/watch", `{"address":"`+address+`","interval":"2h"}`)
	require.Equal(t, http.StatusOK, w.Code)

	interval, ok := env.scheduler.ScheduleInterval(address, "devnet")
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, interval)
	assert.Equal(t, 1, env.scheduler.ScheduleCount())
}

func TestWatchWallet_Validation(t *testing.T) {
	address := solanago.NewWallet().PublicKey().String()

	tests := []struct {
		name          string
		body          string
		errorContains string
	}{
		{"missing address", `{"interval":"5m"}`, "address is required"},
		{"invalid address", `{"address":"0OIl"}`, "base58"},
		{"other network", `{"address":"` + address + `","network":"mainnet"}`, "only snapshots wallets on devnet"},
		{"unparseable interval", `{"address":"` + address + `","interval":"soon"}`, "invalid interval"},
		{"interval too short", `{"address":"` + address + `","interval":"30s"}`, "interval must be between"},
		{"interval too long", `{"address":"` + address + `","interval":"48h"}`, "interval must be between"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			w := env.do(t, http.MethodPost, "/api/v1/watch", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.errorContains)
			assert.Equal(t, 0, env.scheduler.ScheduleCount())
		})
	}
}

func TestWatchWallet_RollbackOnScheduleFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.scheduler.SetUpsertError(errors.New("temporal unavailable"))
	address := solanago.NewWallet().PublicKey().String()

	w := env.do(t, http.MethodPost, "/api/v1/watch", `{"address":"`+address+`"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	_, ok := env.store.watched["devnet/"+address]
	assert.False(t, ok, "watched wallet should be rolled back")
}

func TestUnwatchWallet(t *testing.T) {
	env := newTestEnv(t, false)
	address := solanago.NewWallet().PublicKey().String()

	w := env.do(t, http.MethodPost, "/api/v1/watch", `{"address":"`+address+`"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/watch/"+address, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, env.scheduler.ScheduleCount())
	assert.Empty(t, env.store.watched)

	w = env.do(t, http.MethodDelete, "/api/v1/watch/"+address, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnwatchWallet_ScheduleFailureKeepsWallet(t *testing.T) {
	env := newTestEnv(t, false)
	address := solanago.NewWallet().PublicKey().String()

	w := env.do(t, http.MethodPost, "/api/v1/watch", `{"address":"`+address+`"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	env.scheduler.SetDeleteError(errors.New("temporal unavailable"))
	w = env.do(t, http.MethodDelete, "/api/v1/watch/"+address, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Len(t, env.store.watched, 1)
}

func TestListWatched(t *testing.T) {
	env := newTestEnv(t, false)
	for i := 0; i < 2; i++ {
		address := solanago.NewWallet().PublicKey().String()
		w := env.do(t, http.MethodPost, "/api/v1/watch", `{"address":"`+address+`"}`)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/v1/watch", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Wallets []watchResponse `json:"wallets"`
	}
	decode(t, w, &resp)
	assert.Len(t, resp.Wallets, 2)
}

func TestLatestSnapshot(t *testing.T) {
	address := solanago.NewWallet().PublicKey().String()

	t.Run("not found", func(t *testing.T) {
		env := newTestEnv(t, false)
		w := env.do(t, http.MethodGet, "/api/v1/snapshots/"+address, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("scaled balances", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.store.snapshot = &db.HoldingSnapshot{
			ID:          3,
			Wallet:      address,
			Network:     "devnet",
			TakenAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			SOLLamports: 2_500_000_000,
			Holdings: []db.SnapshotHolding{
				{Mint: "MintA", TokenAccount: "AccA", RawAmount: 12345, Decimals: 2},
			},
		}

		w := env.do(t, http.MethodGet, "/api/v1/snapshots/"+address, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp snapshotResponse
		decode(t, w, &resp)
		assert.Equal(t, int64(3), resp.ID)
		assert.Equal(t, "2.5", resp.SOLBalance)
		require.Len(t, resp.Holdings, 1)
		assert.Equal(t, "123.45", resp.Holdings[0].Balance)
	})

	t.Run("invalid network", func(t *testing.T) {
		env := newTestEnv(t, false)
		w := env.do(t, http.MethodGet, "/api/v1/snapshots/"+address+"?network=moonnet", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
