package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
dry_run: true
feed:
  url: wss://example.com/ws/market
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Feed.ReconnectInitial != time.Second {
		t.Errorf("ReconnectInitial = %v, want 1s", cfg.Feed.ReconnectInitial)
	}
	if cfg.Feed.ReconnectMax != 60*time.Second {
		t.Errorf("ReconnectMax = %v, want 60s", cfg.Feed.ReconnectMax)
	}
	if cfg.Feed.ReconnectMultiplier != 2.0 {
		t.Errorf("ReconnectMultiplier = %v, want 2", cfg.Feed.ReconnectMultiplier)
	}
	if cfg.Feed.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.Feed.PingInterval)
	}
	if !cfg.Feed.AllowOneSidedBook {
		t.Error("AllowOneSidedBook should default on")
	}
	if cfg.Worker.ReconcileInterval != 5*time.Second {
		t.Errorf("ReconcileInterval = %v, want 5s", cfg.Worker.ReconcileInterval)
	}
	if cfg.Worker.PositionRefreshInterval != 30*time.Second {
		t.Errorf("PositionRefreshInterval = %v, want 30s", cfg.Worker.PositionRefreshInterval)
	}
	if cfg.Executor.SlippageStopLoss != 0.02 {
		t.Errorf("SlippageStopLoss = %v, want 0.02", cfg.Executor.SlippageStopLoss)
	}
	if cfg.Executor.SlippageTakeProfit != 0.01 {
		t.Errorf("SlippageTakeProfit = %v, want 0.01", cfg.Executor.SlippageTakeProfit)
	}
	if cfg.Store.EventRetention != 1000 {
		t.Errorf("EventRetention = %v, want 1000", cfg.Store.EventRetention)
	}
	if cfg.Broker.ChainID != 137 {
		t.Errorf("ChainID = %v, want 137", cfg.Broker.ChainID)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
dry_run: true
feed:
  url: wss://example.com/ws/market
  reconnect_initial: 500ms
  allow_one_sided_book: false
executor:
  slippage_stop_loss: 0.05
store:
  event_retention: 50
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Feed.ReconnectInitial != 500*time.Millisecond {
		t.Errorf("ReconnectInitial = %v, want 500ms", cfg.Feed.ReconnectInitial)
	}
	if cfg.Feed.AllowOneSidedBook {
		t.Error("AllowOneSidedBook override ignored")
	}
	if cfg.Executor.SlippageStopLoss != 0.05 {
		t.Errorf("SlippageStopLoss = %v, want 0.05", cfg.Executor.SlippageStopLoss)
	}
	if cfg.Store.EventRetention != 50 {
		t.Errorf("EventRetention = %v, want 50", cfg.Store.EventRetention)
	}
}

func TestLoadEnvOverridesSensitiveFields(t *testing.T) {
	t.Setenv("POLYTM_PRIVATE_KEY", "deadbeef")
	t.Setenv("POLYTM_API_KEY", "env-key")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.PrivateKey != "deadbeef" {
		t.Errorf("PrivateKey = %q, want env value", cfg.Broker.PrivateKey)
	}
	if cfg.Broker.ApiKey != "env-key" {
		t.Errorf("ApiKey = %q, want env value", cfg.Broker.ApiKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load must fail for a missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, minimalConfig))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing feed url", func(c *Config) { c.Feed.URL = "" }},
		{"multiplier not above 1", func(c *Config) { c.Feed.ReconnectMultiplier = 1 }},
		{"live mode without broker url", func(c *Config) { c.DryRun = false }},
		{"live mode without key", func(c *Config) {
			c.DryRun = false
			c.Broker.CLOBBaseURL = "https://clob.example.com"
		}},
		{"zero slippage", func(c *Config) { c.Executor.SlippageStopLoss = 0 }},
		{"slippage of one", func(c *Config) { c.Executor.SlippageTakeProfit = 1 }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"zero retention", func(c *Config) { c.Store.EventRetention = 0 }},
		{"zero reconcile interval", func(c *Config) { c.Worker.ReconcileInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}
