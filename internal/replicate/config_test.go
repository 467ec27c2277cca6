package replicate

import (
	"errors"
	"testing"
	"time"

	"tradesync/internal/config"
	"tradesync/internal/domain"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.ReplicateConfig{
		Markets:               []string{"NYSE"},
		Currency:              "USD",
		QuantThreshold:        "5",
		QuantThresholdPercent: "2.5",
		DefaultOrderType:      "LMT",
		WorkingDuration:       "24h",
		StaleWindow:           "30m",
		DryRun:                true,
	}

	opts, err := OptionsFromConfig(cfg, "alpha")
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	if opts.Label != "alpha" || !opts.DryRun || opts.Currency != "USD" {
		t.Errorf("opts = %+v", opts)
	}
	if opts.QuantThreshold.String() != "5" || opts.QuantThresholdPercent.String() != "2.5" {
		t.Errorf("thresholds = %s, %s", opts.QuantThreshold, opts.QuantThresholdPercent)
	}
	if opts.DefaultOrderType != domain.OrderTypeLimit {
		t.Errorf("default order type = %q", opts.DefaultOrderType)
	}
	if opts.WorkingDuration != 24*time.Hour || opts.StaleWindow != 30*time.Minute {
		t.Errorf("durations = %s, %s", opts.WorkingDuration, opts.StaleWindow)
	}
}

func TestOptionsFromConfigEmptyKeepsZeroValues(t *testing.T) {
	opts, err := OptionsFromConfig(config.ReplicateConfig{}, "alpha")
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	if !opts.QuantThreshold.IsZero() || opts.WorkingDuration != 0 {
		t.Errorf("opts = %+v", opts)
	}
}

func TestOptionsFromConfigInvalid(t *testing.T) {
	cases := []config.ReplicateConfig{
		{QuantThreshold: "five"},
		{QuantThresholdPercent: "2,5"},
		{WorkingDuration: "tomorrow"},
		{StaleWindow: "-"},
	}
	for _, cfg := range cases {
		_, err := OptionsFromConfig(cfg, "alpha")
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("config %+v: err = %v, want ConfigurationError", cfg, err)
		}
	}
}
