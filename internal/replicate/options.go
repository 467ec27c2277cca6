package replicate

import (
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
)

// Options control a single reconciliation run.
type Options struct {
	// Label identifies the strategy whose signals are collected. It also
	// scopes every deterministic order ref this run derives.
	Label string

	// Begin bounds signal collection. Zero means Now minus WorkingDuration.
	Begin time.Time

	// Now is the single evaluation time for the whole run. Zero means
	// wall-clock time, captured once.
	Now time.Time

	// Markets lists the markets whose unknown broker positions may be
	// flattened. Empty means all markets.
	Markets []string

	// Currency restricts balance reporting. Empty means the account default.
	Currency string

	// QuantThreshold is the minimum absolute quantity change worth an
	// order. Differences strictly below it are left alone.
	QuantThreshold decimal.Decimal

	// QuantThresholdPercent, when positive, derives the threshold from the
	// current open size: floor(|position| * percent / 100). When the floor
	// comes out zero the absolute QuantThreshold applies instead.
	QuantThresholdPercent decimal.Decimal

	// DefaultOrderType shapes adjustments that no signal row shaped.
	DefaultOrderType domain.OrderType

	// DefaultMultiplier fills contract multipliers the broker did not report.
	DefaultMultiplier decimal.Decimal

	// MinTick rounds derived prices when positive.
	MinTick decimal.Decimal

	// WorkingDuration is how far back signal collection reaches when Begin
	// is unset, and how recent a desired state must be to count as current.
	WorkingDuration time.Duration

	// StaleWindow is the grace period before a broker position touched more
	// recently than the desired state triggers the external-fill guard.
	StaleWindow time.Duration

	// CloseUnknown actively flattens broker positions with no desired state.
	CloseUnknown bool

	// DryRun computes and returns mutations without submitting anything.
	DryRun bool

	// Force bypasses the staleness guard and the quantity threshold.
	Force bool

	// WorkingOrdersOnly maintains protective orders without adjusting the
	// position itself.
	WorkingOrdersOnly bool

	// ExcludeWorkingOrders emits only position adjustments, leaving
	// protective orders untouched.
	ExcludeWorkingOrders bool

	// IgnoreErrors downgrades per-contract failures to warnings so the
	// aggregate run still reports success.
	IgnoreErrors bool
}

const defaultWorkingDuration = 3 * 24 * time.Hour

// withDefaults resolves zero values without mutating the receiver.
func (o Options) withDefaults() Options {
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	if o.WorkingDuration <= 0 {
		o.WorkingDuration = defaultWorkingDuration
	}
	if o.Begin.IsZero() {
		o.Begin = o.Now.Add(-o.WorkingDuration)
	}
	if o.DefaultOrderType == "" {
		o.DefaultOrderType = domain.OrderTypeMarket
	}
	if o.DefaultMultiplier.IsZero() {
		o.DefaultMultiplier = decimal.NewFromInt(1)
	}
	return o
}

// Validate rejects option combinations before any broker traffic happens.
func (o Options) Validate() error {
	if o.QuantThreshold.IsNegative() {
		return &ConfigurationError{Field: "quant_threshold", Msg: "must not be negative"}
	}
	if o.QuantThresholdPercent.IsNegative() {
		return &ConfigurationError{Field: "quant_threshold_percent", Msg: "must not be negative"}
	}
	if o.QuantThresholdPercent.GreaterThan(decimal.NewFromInt(100)) {
		return &ConfigurationError{Field: "quant_threshold_percent", Msg: "must not exceed 100"}
	}
	if o.DefaultMultiplier.IsNegative() {
		return &ConfigurationError{Field: "default_multiplier", Msg: "must not be negative"}
	}
	if o.MinTick.IsNegative() {
		return &ConfigurationError{Field: "min_tick", Msg: "must not be negative"}
	}
	if o.WorkingOrdersOnly && o.ExcludeWorkingOrders {
		return &ConfigurationError{Field: "working_orders_only", Msg: "mutually exclusive with exclude_working_orders"}
	}
	if !o.Begin.IsZero() && !o.Now.IsZero() && o.Begin.After(o.Now) {
		return &ConfigurationError{Field: "begin", Msg: "must not be after now"}
	}
	return nil
}

// threshold resolves the effective quantity threshold against the actual
// open size. The percent form floors at whole units and falls back to the
// absolute threshold when the floor is zero; when both forms are set the
// smaller one wins.
func (o Options) threshold(opened decimal.Decimal) decimal.Decimal {
	if o.Force {
		return decimal.Zero
	}
	if o.QuantThresholdPercent.IsPositive() {
		t := opened.Abs().Mul(o.QuantThresholdPercent).Div(decimal.NewFromInt(100)).Floor()
		if t.IsPositive() {
			if o.QuantThreshold.IsPositive() {
				return decimal.Min(t, o.QuantThreshold)
			}
			return t
		}
	}
	return o.QuantThreshold
}
