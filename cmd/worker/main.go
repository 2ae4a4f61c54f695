package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/tokendesk/service/config"
	"github.com/brojonat/tokendesk/service/db"
	"github.com/brojonat/tokendesk/service/metrics"
	natspkg "github.com/brojonat/tokendesk/service/nats"
	"github.com/brojonat/tokendesk/service/solana"
	"github.com/brojonat/tokendesk/service/temporal"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	logger := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// run owns every worker dependency and returns once ctx is cancelled or the
// worker fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	collector := metrics.NewMetrics(nil)
	store := db.NewStore(pool, collector)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	endpoint := solana.EndpointLabel(cfg.SolanaRPCURL)
	ledger := solana.NewClient(solana.NewRPCClient(cfg.SolanaRPCURL), solana.Options{
		Endpoint:       endpoint,
		RateLimit:      cfg.RPCRateLimit,
		Burst:          cfg.RPCBurst,
		MetadataLookup: cfg.MetadataLookup,
	}, collector, logger)

	// Snapshots are announced over NATS, so the worker will not start without it.
	publisher, err := natspkg.NewPublisher(cfg.NATSURL, collector, logger)
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}
	defer publisher.Close()

	w, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Concurrency:       cfg.WorkerConcurrency,
		Store:             store,
		Ledgers:           map[string]temporal.Ledger{cfg.SolanaNetwork: ledger},
		Publisher:         publisher,
		Metrics:           collector,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	logger.Info("worker ready",
		"solana_endpoint", endpoint,
		"network", cfg.SolanaNetwork,
		"task_queue", cfg.TemporalTaskQueue,
		"concurrency", cfg.WorkerConcurrency,
	)

	errc := make(chan error, 1)
	go func() { errc <- w.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		w.Stop()
		return <-errc
	}
}

func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
