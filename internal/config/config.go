// Package config loads the tradesync YAML configuration and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tradesync.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	Logging   Logging         `yaml:"logging"`
	Signals   Signals         `yaml:"signals"`
	Replicate ReplicateConfig `yaml:"replicate"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Signals locates the desired-signal rows produced by strategy evaluation.
type Signals struct {
	// Dir is the directory of Parquet signal files, one file per strategy
	// run, named <label>.parquet.
	Dir string `yaml:"dir"`
	// Label selects which signal file to replicate.
	Label string `yaml:"label"`
}

// ReplicateConfig carries default reconciliation options. Per-invocation
// options (CLI flags, API request body) override these.
type ReplicateConfig struct {
	Markets               []string `yaml:"markets"`
	Currency              string   `yaml:"currency"`
	QuantThreshold        string   `yaml:"quant_threshold"`
	QuantThresholdPercent string   `yaml:"quant_threshold_percent"`
	DefaultOrderType      string   `yaml:"default_order_type"`
	DefaultMultiplier     string   `yaml:"default_multiplier"`
	WorkingDuration       string   `yaml:"working_duration"`
	StaleWindow           string   `yaml:"stale_window"`
	CloseUnknown          bool     `yaml:"close_unknown"`
	DryRun                bool     `yaml:"dry_run"`
	IgnoreErrors          bool     `yaml:"ignore_errors"`
	RateLimitPerMin       int      `yaml:"rate_limit_per_min"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("SIGNALS_DIR"); v != "" {
		cfg.Signals.Dir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by
	// the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
}
