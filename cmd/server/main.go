package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/tokendesk/service/config"
	"github.com/brojonat/tokendesk/service/db"
	"github.com/brojonat/tokendesk/service/metrics"
	natspkg "github.com/brojonat/tokendesk/service/nats"
	"github.com/brojonat/tokendesk/service/server"
	"github.com/brojonat/tokendesk/service/solana"
	"github.com/brojonat/tokendesk/service/temporal"
	"github.com/brojonat/tokendesk/service/tokens"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"network", cfg.SolanaNetwork,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := db.Migrate(ctx, dbPool); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	store := db.NewStore(dbPool, metricsCollector)

	// Note: For premium RPC endpoints, include API key in the URL
	endpoint := solana.EndpointLabel(cfg.SolanaRPCURL)
	solanaClient := solana.NewClient(solana.NewRPCClient(cfg.SolanaRPCURL), solana.Options{
		Endpoint:       endpoint,
		RateLimit:      cfg.RPCRateLimit,
		Burst:          cfg.RPCBurst,
		MetadataLookup: cfg.MetadataLookup,
	}, metricsCollector, logger)
	builder := solana.NewBuilder(solanaClient, logger)
	pipeline := solana.NewPipeline(solanaClient, solana.PipelineConfig{
		ConfirmTimeout: cfg.ConfirmTimeout,
		PollInterval:   cfg.ConfirmPollInterval,
	}, metricsCollector, logger)
	logger.Info("initialized solana RPC client", "endpoint", endpoint, "rate_limit", cfg.RPCRateLimit)

	// Events are best effort; the desk runs without them.
	var events natspkg.Publisher
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Warn("NATS unavailable, events disabled", "url", cfg.NATSURL, "error", err)
	} else {
		defer natsPublisher.Close()
		events = natsPublisher
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	desk := tokens.New(tokens.Deps{
		Ledger:    solanaClient,
		Planner:   builder,
		Submitter: pipeline,
		Notifier:  tokens.NewNotifier(cfg.NotifyTTL, events, metricsCollector, logger),
		Journal:   store,
		Archive:   store,
		Events:    events,
		Metrics:   metricsCollector,
		Logger:    logger,
	}, tokens.Config{
		Network:             cfg.SolanaNetwork,
		HistoryLimit:        cfg.HistoryLimit,
		HistoryRefreshDelay: cfg.HistoryRefreshDelay,
		WriteTimeout:        2*cfg.ConfirmTimeout + time.Minute, // at most two units per plan
	})
	defer desk.Close()

	if cfg.HasWallet() {
		signer, err := loadSigner(cfg)
		if err != nil {
			logger.Error("failed to load wallet", "error", err)
			os.Exit(1)
		}
		connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
		// A failed initial read is surfaced as a notification; the wallet stays connected.
		if err := desk.Connect(connectCtx, signer); err != nil {
			logger.Warn("initial wallet refresh incomplete", "error", err)
		}
		connectCancel()
		logger.Info("wallet connected", "address", signer.PublicKey().String())
	} else {
		logger.Warn("no wallet configured, token writes are disabled")
	}

	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		cfg.HistoryLimit,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("failed to create SSE publisher", "error", err)
		ssePublisher = nil
	}

	httpServer := server.New(cfg.ServerAddr, cfg, desk, store, temporalClient, ssePublisher, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"solana_endpoint", endpoint,
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// loadSigner builds the local wallet from a keypair file or a mnemonic.
func loadSigner(cfg *config.Config) (*solana.LocalWallet, error) {
	if cfg.WalletKeypairPath != "" {
		return solana.LoadKeypairFile(cfg.WalletKeypairPath)
	}
	return solana.WalletFromMnemonic(cfg.WalletMnemonic, cfg.WalletPassphrase)
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
