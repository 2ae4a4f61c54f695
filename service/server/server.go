package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tokendesk/service/config"
	"github.com/brojonat/tokendesk/service/metrics"
	"github.com/brojonat/tokendesk/service/temporal"
	"github.com/brojonat/tokendesk/service/tokens"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the token desk.
type Server struct {
	addr         string
	cfg          *config.Config
	desk         *tokens.Desk
	store        Store
	scheduler    temporal.Scheduler
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scheduler creates and deletes Temporal snapshot schedules for watched wallets.
// The ssePublisher is optional - if nil, the JetStream event stream isn't available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, cfg *config.Config, desk *tokens.Desk, store Store, scheduler temporal.Scheduler, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		cfg:          cfg,
		desk:         desk,
		store:        store,
		scheduler:    scheduler,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the routed handler. Start serves it; tests call it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	network := s.cfg.SolanaNetwork

	route := func(pattern, name string, h http.Handler) {
		if s.metrics != nil {
			h = metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
		}
		mux.Handle(pattern, h)
	}

	// Token writes
	route("POST /api/v1/tokens", "create_token", handleCreateToken(s.desk, s.logger))
	route("POST /api/v1/tokens/{mint}/mint", "mint_token", handleMintToken(s.desk, s.logger))
	route("POST /api/v1/tokens/{mint}/send", "send_token", handleSendToken(s.desk, s.logger))

	// Reads
	route("GET /api/v1/wallet", "get_wallet", handleGetWallet(s.desk))
	route("GET /api/v1/holdings", "list_holdings", handleListHoldings(s.desk, s.logger))
	route("GET /api/v1/history", "list_history", handleListHistory(s.desk, s.store, s.logger))
	route("GET /api/v1/notifications", "list_notifications", handleListNotifications(s.desk))
	route("DELETE /api/v1/notifications/{id}", "dismiss_notification", handleDismissNotification(s.desk))
	route("GET /api/v1/operations", "list_operations", handleListOperations(s.desk, s.store, s.logger))

	// Snapshot watch routes
	route("POST /api/v1/watch", "watch_wallet", handleWatchWallet(s.store, s.scheduler, network, s.cfg.SnapshotInterval, s.logger))
	route("GET /api/v1/watch", "list_watched", handleListWatched(s.store, s.logger))
	route("DELETE /api/v1/watch/{address}", "unwatch_wallet", handleUnwatchWallet(s.store, s.scheduler, network, s.logger))
	route("GET /api/v1/snapshots/{address}", "latest_snapshot", handleLatestSnapshot(s.store, network, s.logger))

	// SSE streaming endpoints
	route("GET /api/v1/stream/notifications", "stream_notifications", handleStreamNotifications(s.desk, s.metrics, s.logger))
	if s.ssePublisher != nil {
		route("GET /api/v1/stream/events/{address}", "stream_events", handleStreamEvents(s.ssePublisher, s.metrics, s.logger))
		route("GET /api/v1/stream/events", "stream_events", handleStreamEvents(s.ssePublisher, s.metrics, s.logger))
		s.logger.Info("event streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, event streaming disabled")
	}

	mux.Handle("GET /health", handleHealth(s.store, s.logger))

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	// Writes wait for confirmation, so the write timeout has to cover it.
	writeTimeout := s.cfg.ConfirmTimeout + 30*time.Second

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "network", s.cfg.SolanaNetwork)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports whether the archive database is reachable.
func handleHealth(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			if err := store.Ping(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				writeError(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
