package replicate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/config"
	"tradesync/internal/domain"
)

// OptionsFromConfig converts the YAML defaults into run options. Fields left
// empty in the configuration keep their zero value and resolve through
// withDefaults at run time.
func OptionsFromConfig(cfg config.ReplicateConfig, label string) (Options, error) {
	opts := Options{
		Label:        label,
		Markets:      cfg.Markets,
		Currency:     cfg.Currency,
		CloseUnknown: cfg.CloseUnknown,
		DryRun:       cfg.DryRun,
		IgnoreErrors: cfg.IgnoreErrors,
	}

	var err error
	if opts.QuantThreshold, err = parseDecimal(cfg.QuantThreshold, "quant_threshold"); err != nil {
		return Options{}, err
	}
	if opts.QuantThresholdPercent, err = parseDecimal(cfg.QuantThresholdPercent, "quant_threshold_percent"); err != nil {
		return Options{}, err
	}
	if opts.DefaultMultiplier, err = parseDecimal(cfg.DefaultMultiplier, "default_multiplier"); err != nil {
		return Options{}, err
	}
	if opts.WorkingDuration, err = parseDuration(cfg.WorkingDuration, "working_duration"); err != nil {
		return Options{}, err
	}
	if opts.StaleWindow, err = parseDuration(cfg.StaleWindow, "stale_window"); err != nil {
		return Options{}, err
	}
	opts.DefaultOrderType = domain.OrderType(cfg.DefaultOrderType)
	return opts, nil
}

func parseDecimal(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, &ConfigurationError{Field: field, Msg: fmt.Sprintf("invalid decimal %q", s)}
	}
	return d, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &ConfigurationError{Field: field, Msg: fmt.Sprintf("invalid duration %q", s)}
	}
	return d, nil
}
