package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Engine.PollInterval != time.Second {
		t.Errorf("PollInterval = %s, want 1s", cfg.Engine.PollInterval)
	}
	if cfg.Kafka.Topic != "order-lifecycle" {
		t.Errorf("Kafka.Topic = %s", cfg.Kafka.Topic)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
service_name = "orderexecution"

[http]
port = 9090

[engine]
poll_interval = "250ms"
max_slippage = 0.02

[[venues]]
id = "sim-a"
symbols = ["BTCUSDT"]
start_price = 100

[venues.balances]
USDT = 1000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("HTTP.Port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Engine.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %s, want 250ms", cfg.Engine.PollInterval)
	}
	// 未配置的项取默认值
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Engine.MaxRetries)
	}
	if len(cfg.Venues) != 1 || cfg.Venues[0].ID != "sim-a" {
		t.Fatalf("Venues = %+v", cfg.Venues)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing service name", func(c *Config) { c.ServiceName = "" }},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }},
		{"min above max", func(c *Config) { c.Engine.MinQuantity = 10; c.Engine.MaxQuantity = 1 }},
		{"negative slippage", func(c *Config) { c.Engine.MaxSlippage = -0.1 }},
		{"zero alpha", func(c *Config) { c.Engine.AnalyticsAlpha = 0 }},
		{"duplicate venue", func(c *Config) { c.Venues = []VenueConfig{{ID: "a"}, {ID: "a"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}
