// Package config defines all configuration for the trade manager.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLYTM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// FeedConfig controls the market-data WebSocket client.
//
//   - URL: the venue's market channel endpoint (required).
//   - ReconnectInitial/Max/Multiplier: exponential backoff schedule. The
//     attempt counter resets on a successful connect.
//   - PingInterval: keepalive ping cadence. Missing pongs are not an error;
//     the socket's own read deadline handles silent failures.
//   - AllowOneSidedBook: treat a book frame with only one side as usable
//     (that side becomes the "mid"). On by default to match the venue feed;
//     tests disable it.
type FeedConfig struct {
	URL                 string        `mapstructure:"url"`
	ReconnectInitial    time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax        time.Duration `mapstructure:"reconnect_max"`
	ReconnectMultiplier float64       `mapstructure:"reconnect_multiplier"`
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	AllowOneSidedBook   bool          `mapstructure:"allow_one_sided_book"`
}

// BrokerConfig holds the venue REST endpoints and signing credentials.
// If ApiKey/Secret/Passphrase are empty, the broker derives them via L1
// auth on startup. FunderAddress keys the read-only data-api queries; in
// dry-run it is the only identity needed.
type BrokerConfig struct {
	CLOBBaseURL   string        `mapstructure:"clob_base_url"`
	DataBaseURL   string        `mapstructure:"data_base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PrivateKey    string        `mapstructure:"private_key"`
	FunderAddress string        `mapstructure:"funder_address"`
	ChainID       int           `mapstructure:"chain_id"`
	ApiKey        string        `mapstructure:"api_key"`
	Secret        string        `mapstructure:"secret"`
	Passphrase    string        `mapstructure:"passphrase"`
}

// WorkerConfig tunes the coordination loop.
//
//   - ReconcileInterval: how often the subscription reconciler diffs the
//     desired token set against the feed's current set.
//   - PositionRefreshInterval: how often holdings/positions are pulled from
//     the broker into the in-memory cache.
//   - EvaluationEventInterval: RULE_EVALUATED events are coalesced to at
//     most one per rule per this interval to keep the log bounded.
type WorkerConfig struct {
	ReconcileInterval       time.Duration `mapstructure:"reconcile_interval"`
	PositionRefreshInterval time.Duration `mapstructure:"position_refresh_interval"`
	EvaluationEventInterval time.Duration `mapstructure:"evaluation_event_interval"`
}

// ExecutorConfig tunes order placement. Slippage is the discount applied to
// the current price when computing the limit price of the first attempt:
// limit = clamp(current × (1 − slippage), 0.01, 0.99).
type ExecutorConfig struct {
	SlippageStopLoss   float64 `mapstructure:"slippage_stop_loss"`
	SlippageTakeProfit float64 `mapstructure:"slippage_take_profit"`
}

// StoreConfig sets where rules, trades, and events are persisted.
type StoreConfig struct {
	Path           string `mapstructure:"path"`
	EventRetention int    `mapstructure:"event_retention"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only dashboard API server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLYTM_PRIVATE_KEY, POLYTM_API_KEY,
// POLYTM_API_SECRET, POLYTM_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLYTM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLYTM_PRIVATE_KEY"); key != "" {
		cfg.Broker.PrivateKey = key
	}
	if key := os.Getenv("POLYTM_API_KEY"); key != "" {
		cfg.Broker.ApiKey = key
	}
	if secret := os.Getenv("POLYTM_API_SECRET"); secret != "" {
		cfg.Broker.Secret = secret
	}
	if pass := os.Getenv("POLYTM_PASSPHRASE"); pass != "" {
		cfg.Broker.Passphrase = pass
	}
	if os.Getenv("POLYTM_DRY_RUN") == "true" || os.Getenv("POLYTM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults installs the documented defaults so a minimal config file only
// needs feed.url and the signing credentials.
func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.reconnect_initial", time.Second)
	v.SetDefault("feed.reconnect_max", 60*time.Second)
	v.SetDefault("feed.reconnect_multiplier", 2.0)
	v.SetDefault("feed.ping_interval", 30*time.Second)
	v.SetDefault("feed.allow_one_sided_book", true)

	v.SetDefault("broker.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("broker.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("broker.timeout", 30*time.Second)
	v.SetDefault("broker.chain_id", 137)

	v.SetDefault("worker.reconcile_interval", 5*time.Second)
	v.SetDefault("worker.position_refresh_interval", 30*time.Second)
	v.SetDefault("worker.evaluation_event_interval", 10*time.Second)

	v.SetDefault("executor.slippage_stop_loss", 0.02)
	v.SetDefault("executor.slippage_take_profit", 0.01)

	v.SetDefault("store.path", "data/trademgr.db")
	v.SetDefault("store.event_retention", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8090)
}

// Validate checks all required fields and value ranges. There is no
// partial-start mode: any failure here aborts the process.
func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if c.Feed.ReconnectInitial <= 0 || c.Feed.ReconnectMax < c.Feed.ReconnectInitial {
		return fmt.Errorf("feed reconnect backoff misconfigured: initial %s, max %s",
			c.Feed.ReconnectInitial, c.Feed.ReconnectMax)
	}
	if c.Feed.ReconnectMultiplier <= 1 {
		return fmt.Errorf("feed.reconnect_multiplier must be > 1")
	}
	if !c.DryRun {
		if c.Broker.CLOBBaseURL == "" {
			return fmt.Errorf("broker.clob_base_url is required")
		}
		if c.Broker.PrivateKey == "" {
			return fmt.Errorf("broker.private_key is required (set POLYTM_PRIVATE_KEY)")
		}
	}
	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("broker.timeout must be > 0")
	}
	if c.Executor.SlippageStopLoss <= 0 || c.Executor.SlippageStopLoss >= 1 {
		return fmt.Errorf("executor.slippage_stop_loss must be in (0, 1)")
	}
	if c.Executor.SlippageTakeProfit <= 0 || c.Executor.SlippageTakeProfit >= 1 {
		return fmt.Errorf("executor.slippage_take_profit must be in (0, 1)")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.EventRetention <= 0 {
		return fmt.Errorf("store.event_retention must be > 0")
	}
	if c.Worker.ReconcileInterval <= 0 || c.Worker.PositionRefreshInterval <= 0 {
		return fmt.Errorf("worker intervals must be > 0")
	}
	return nil
}
