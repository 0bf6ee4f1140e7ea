// Package config defines all configuration for the copy-trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Builder   BuilderConfig   `mapstructure:"builder"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	DataBaseURL string `mapstructure:"data_base_url"`
	WSUserURL   string `mapstructure:"ws_user_url"` // empty disables the push stream
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// BuilderConfig holds optional builder credentials. When set, every order
// POST carries an additional builder HMAC header set.
type BuilderConfig struct {
	ApiKey     string `mapstructure:"api_key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
}

// Configured reports whether builder credentials are present.
func (b BuilderConfig) Configured() bool {
	return b.ApiKey != "" && b.Secret != "" && b.Passphrase != ""
}

// EngineConfig tunes the replication pipeline.
//
//   - PollIntervalMs:      how often the poller scans each tracked wallet's
//     trade history. Must stay within [1000, 300000]. The persisted runtime
//     config takes precedence once it exists; this is the bootstrap value.
//   - DefaultTradeSizeUSD: replication size when a wallet has no sizing mode.
//   - TradeFetchLimit:     how many recent trades to pull per wallet per tick.
//   - MaxPollConcurrency:  cap on simultaneous per-wallet Data API scans.
//   - DrainTimeoutSec:     how long Stop() waits for in-flight trades.
type EngineConfig struct {
	PollIntervalMs      int     `mapstructure:"poll_interval_ms"`
	DefaultTradeSizeUSD float64 `mapstructure:"default_trade_size_usd"`
	TradeFetchLimit     int     `mapstructure:"trade_fetch_limit"`
	MaxPollConcurrency  int     `mapstructure:"max_poll_concurrency"`
	DrainTimeoutSec     int     `mapstructure:"drain_timeout_sec"`
}

// StoreConfig sets where wallet, config and ledger documents are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the operator HTTP control surface.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, POLY_BUILDER_API_KEY,
// POLY_BUILDER_SECRET, POLY_BUILDER_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("engine.poll_interval_ms", 15000)
	v.SetDefault("engine.default_trade_size_usd", 2)
	v.SetDefault("engine.trade_fetch_limit", 50)
	v.SetDefault("engine.max_poll_concurrency", 5)
	v.SetDefault("engine.drain_timeout_sec", 30)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if key := os.Getenv("POLY_BUILDER_API_KEY"); key != "" {
		cfg.Builder.ApiKey = key
	}
	if secret := os.Getenv("POLY_BUILDER_SECRET"); secret != "" {
		cfg.Builder.Secret = secret
	}
	if pass := os.Getenv("POLY_BUILDER_PASSPHRASE"); pass != "" {
		cfg.Builder.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.DataBaseURL == "" {
		return fmt.Errorf("api.data_base_url is required")
	}
	if c.Engine.PollIntervalMs < 1000 || c.Engine.PollIntervalMs > 300000 {
		return fmt.Errorf("engine.poll_interval_ms must be within [1000, 300000]")
	}
	if c.Engine.DefaultTradeSizeUSD <= 0 {
		return fmt.Errorf("engine.default_trade_size_usd must be > 0")
	}
	if c.Engine.TradeFetchLimit <= 0 || c.Engine.TradeFetchLimit > 100 {
		return fmt.Errorf("engine.trade_fetch_limit must be within (0, 100]")
	}
	if c.Engine.MaxPollConcurrency <= 0 {
		return fmt.Errorf("engine.max_poll_concurrency must be > 0")
	}
	return nil
}
