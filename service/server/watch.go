package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tokendesk/service/db"
	"github.com/brojonat/tokendesk/service/temporal"
	"github.com/samber/lo"
)

const (
	minSnapshotInterval = time.Minute
	maxSnapshotInterval = 24 * time.Hour
)

// handleWatchWallet returns a handler that starts periodic snapshots of a
// wallet, or changes the interval of an already watched one.
// POST /api/v1/watch
func handleWatchWallet(store Store, scheduler temporal.Scheduler, network string, defaultInterval time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address  string `json:"address"`
			Network  string `json:"network"`
			Interval string `json:"interval"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		if _, err := parseKey(req.Address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Network == "" {
			req.Network = network
		}
		if req.Network != network {
			writeError(w, "this server only snapshots wallets on "+network, http.StatusBadRequest)
			return
		}

		interval := defaultInterval
		if req.Interval != "" {
			d, err := time.ParseDuration(req.Interval)
			if err != nil {
				writeError(w, "invalid interval: must be a valid duration (e.g. '5m', '1h')", http.StatusBadRequest)
				return
			}
			interval = d
		}
		if interval < minSnapshotInterval || interval > maxSnapshotInterval {
			writeError(w, "interval must be between "+minSnapshotInterval.String()+" and "+maxSnapshotInterval.String(), http.StatusBadRequest)
			return
		}

		_, err := store.GetWatchedWallet(r.Context(), req.Address, req.Network)
		existed := err == nil
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			logger.Error("failed to look up watched wallet", "address", req.Address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		watched, err := store.UpsertWatchedWallet(r.Context(), db.UpsertWatchedWalletParams{
			Address:          req.Address,
			Network:          req.Network,
			SnapshotInterval: interval,
		})
		if err != nil {
			logger.Error("failed to store watched wallet", "address", req.Address, "error", err)
			writeError(w, "failed to watch wallet", http.StatusInternalServerError)
			return
		}

		if err := scheduler.UpsertWalletSchedule(r.Context(), req.Address, req.Network, interval); err != nil {
			logger.Error("failed to upsert schedule", "address", req.Address, "network", req.Network, "error", err)
			if !existed {
				// Rollback: the wallet would never be snapshotted.
				if delErr := store.DeleteWatchedWallet(r.Context(), req.Address, req.Network); delErr != nil {
					logger.Error("failed to rollback watched wallet", "address", req.Address, "error", delErr)
				}
			}
			writeError(w, "failed to schedule wallet snapshots", http.StatusInternalServerError)
			return
		}

		logger.Info("wallet watched",
			"address", watched.Address,
			"network", watched.Network,
			"interval", watched.SnapshotInterval,
			"updated", existed,
		)

		status := http.StatusCreated
		if existed {
			status = http.StatusOK
		}
		writeJSON(w, watchToResponse(watched, 0), status)
	})
}

// handleUnwatchWallet returns a handler that stops snapshots of a wallet.
// DELETE /api/v1/watch/{address}?network={network}
func handleUnwatchWallet(store Store, scheduler temporal.Scheduler, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		net := r.URL.Query().Get("network")
		if err := validateNetwork(net); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if net == "" {
			net = network
		}

		if _, err := store.GetWatchedWallet(r.Context(), address, net); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "wallet is not watched", http.StatusNotFound)
				return
			}
			logger.Error("failed to look up watched wallet", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		// Delete the schedule first so a failure leaves the wallet visibly watched.
		if err := scheduler.DeleteWalletSchedule(r.Context(), address, net); err != nil {
			logger.Error("failed to delete schedule", "address", address, "network", net, "error", err)
			writeError(w, "failed to delete wallet schedule", http.StatusInternalServerError)
			return
		}

		if err := store.DeleteWatchedWallet(r.Context(), address, net); err != nil {
			logger.Error("failed to delete watched wallet", "address", address, "network", net, "error", err)
			writeError(w, "failed to unwatch wallet", http.StatusInternalServerError)
			return
		}

		logger.Info("wallet unwatched", "address", address, "network", net)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleListWatched returns every watched wallet.
// GET /api/v1/watch
func handleListWatched(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallets, err := store.ListWatchedWallets(r.Context())
		if err != nil {
			logger.Error("failed to list watched wallets", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"wallets": lo.Map(wallets, watchToResponse),
		}, http.StatusOK)
	})
}

// handleLatestSnapshot returns the most recent stored snapshot of a wallet.
// GET /api/v1/snapshots/{address}?network={network}
func handleLatestSnapshot(store Store, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		net := r.URL.Query().Get("network")
		if err := validateNetwork(net); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if net == "" {
			net = network
		}

		snap, err := store.LatestHoldingSnapshot(r.Context(), address, net)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "no snapshot recorded for wallet", http.StatusNotFound)
				return
			}
			logger.Error("failed to load snapshot", "address", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, snapshotToResponse(snap), http.StatusOK)
	})
}
