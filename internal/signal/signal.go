// Package signal defines the desired-signal collaborator: the rows produced
// by strategy evaluation that describe the portfolio state the broker should
// be converged toward.
package signal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
)

// Row is one normalized desired-signal row. Rows for the same contract are
// time-ordered; the latest row carries the target position.
type Row struct {
	Symbol       string
	Market       string
	Currency     string
	SecurityType string
	Multiplier   decimal.Decimal
	MinTick      decimal.Decimal

	// Action and Quant describe the trade that produced this row. A row
	// with a non-buy/sell action and zero quant is a pure position marker.
	Action domain.Action
	Quant  decimal.Decimal
	// Position is the running signed target size after this row's trade.
	Position decimal.Decimal

	// Order shaping for the primary adjustment order.
	OrderType domain.OrderType
	Limit     decimal.Decimal
	Stop      decimal.Decimal
	Offset    decimal.Decimal
	TIF       domain.TIF
	Condition string

	// OrderRef pins the adjustment's ref instead of deriving one. Rows for
	// different contracts sharing a ref are legs of one combo order.
	OrderRef string

	// Stoploss, when set, is the GTC STP price protecting the target
	// position.
	Stoploss decimal.Decimal

	// Slots holds additional named working orders to maintain alongside the
	// adjustment (take-profit tiers, secondary stops). Names are stable
	// across runs; they namespace the derived order refs.
	Slots map[string]OrderShape

	// TradedAt is when the row's trade takes (or took) effect. Rows dated
	// after the reconciliation's now are pending.
	TradedAt time.Time
}

// OrderShape is the declared shape of one named working-order slot.
type OrderShape struct {
	Action    domain.Action
	Quant     decimal.Decimal
	OrderType domain.OrderType
	Limit     decimal.Decimal
	Stop      decimal.Decimal
	Offset    decimal.Decimal
	TIF       domain.TIF
	Condition string
}

// Contract returns the instrument key of the row.
func (r Row) Contract() domain.ContractKey {
	return domain.ContractKey{Symbol: r.Symbol, Market: r.Market}
}

// CollectOptions narrows which signal rows a Source returns.
type CollectOptions struct {
	// Label selects the strategy run to replicate.
	Label string
	// Begin excludes rows that took effect before it, except that the last
	// row per contract is always kept so the current target survives.
	Begin time.Time
	// Now is the reconciliation cycle's single timestamp.
	Now time.Time
}

// Source produces desired-signal rows. Implementations normalize their
// native representation (Parquet columns, API payloads) into Rows at this
// boundary; no reconciliation logic lives behind it.
type Source interface {
	Collect(ctx context.Context, opts CollectOptions) ([]Row, error)
}
