package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/samber/lo"
)

// Networks accepted in SOLANA_NETWORK.
var Networks = []string{"mainnet", "devnet", "testnet", "localnet"}

// Config is the environment-driven configuration shared by the server, the
// worker and the CLI.
type Config struct {
	// Server configuration
	ServerAddr  string
	LogLevel    string
	MetricsAddr string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURL  string
	SolanaNetwork string
	RPCRateLimit  float64
	RPCBurst      int

	// Wallet configuration. At most one source may be set; with neither the
	// desk runs read-only.
	WalletKeypairPath string
	WalletMnemonic    string
	WalletPassphrase  string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	WorkerConcurrency int

	// Orchestration configuration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
	HistoryLimit        int
	HistoryRefreshDelay time.Duration
	NotifyTTL           time.Duration
	SnapshotInterval    time.Duration
	MetadataLookup      bool
}

// Load reads every key from the environment. All problems are reported
// together rather than stopping at the first.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaNetwork = getEnvOrDefault("SOLANA_NETWORK", "devnet")
	if !lo.Contains(Networks, cfg.SolanaNetwork) {
		errs = append(errs, fmt.Errorf("SOLANA_NETWORK must be one of %v, got %q", Networks, cfg.SolanaNetwork))
	}

	rateLimit, err := parseFloat("RPC_RATE_LIMIT", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRateLimit = rateLimit
	}
	burst, err := parseInt("RPC_BURST", 5)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCBurst = burst
	}

	// Wallet configuration
	cfg.WalletKeypairPath = os.Getenv("WALLET_KEYPAIR_PATH")
	cfg.WalletMnemonic = os.Getenv("WALLET_MNEMONIC")
	cfg.WalletPassphrase = os.Getenv("WALLET_PASSPHRASE")
	if cfg.WalletKeypairPath != "" && cfg.WalletMnemonic != "" {
		errs = append(errs, fmt.Errorf("WALLET_KEYPAIR_PATH and WALLET_MNEMONIC are mutually exclusive"))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "tokendesk-snapshots")

	// Orchestration configuration
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"CONFIRM_TIMEOUT", "60s", &cfg.ConfirmTimeout},
		{"CONFIRM_POLL_INTERVAL", "500ms", &cfg.ConfirmPollInterval},
		{"HISTORY_REFRESH_DELAY", "2s", &cfg.HistoryRefreshDelay},
		{"NOTIFY_TTL", "5s", &cfg.NotifyTTL},
		{"SNAPSHOT_INTERVAL", "5m", &cfg.SnapshotInterval},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dest = v
	}

	concurrency, err := parseInt("WORKER_CONCURRENCY", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.WorkerConcurrency = concurrency
	}

	limit, err := parseInt("HISTORY_LIMIT", 20)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.HistoryLimit = limit
	}

	metadata, err := parseBool("METADATA_LOOKUP", false)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MetadataLookup = metadata
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}

	return cfg, nil
}

// MustLoad panics when Load fails.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate applies Load's checks to a Config built in code.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if !lo.Contains(Networks, c.SolanaNetwork) {
		errs = append(errs, fmt.Errorf("SolanaNetwork %q is not recognized", c.SolanaNetwork))
	}

	if c.WalletKeypairPath != "" && c.WalletMnemonic != "" {
		errs = append(errs, fmt.Errorf("only one wallet source may be configured"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.RPCRateLimit < 0 {
		errs = append(errs, fmt.Errorf("RPCRateLimit cannot be negative"))
	}

	if c.ConfirmPollInterval <= 0 || c.ConfirmPollInterval > c.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval must be positive and no greater than ConfirmTimeout"))
	}

	if c.WorkerConcurrency < 0 {
		errs = append(errs, fmt.Errorf("WorkerConcurrency must not be negative"))
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > 1000 {
		errs = append(errs, fmt.Errorf("HistoryLimit must be between 1 and 1000"))
	}

	if c.NotifyTTL <= 0 {
		errs = append(errs, fmt.Errorf("NotifyTTL must be positive"))
	}

	if c.SnapshotInterval < time.Minute {
		errs = append(errs, fmt.Errorf("SnapshotInterval must be at least 1 minute"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}

// HasWallet reports whether a signing wallet is configured.
func (c *Config) HasWallet() bool {
	return c.WalletKeypairPath != "" || c.WalletMnemonic != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
