// Package domain defines the shared value types for order reconciliation:
// orders, positions, combo legs, and the contract key that scopes a
// reconciliation cycle.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Action is the instruction carried by an order mutation.
type Action string

const (
	ActionBuy    Action = "BUY"
	ActionSell   Action = "SELL"
	ActionCancel Action = "cancel"
	ActionOCA    Action = "OCA" // synthetic one-cancels-all group head
)

// Sign returns +1 for BUY, -1 for SELL, and 0 for anything else.
func (a Action) Sign() int {
	switch a {
	case ActionBuy:
		return 1
	case ActionSell:
		return -1
	default:
		return 0
	}
}

// Opposite returns SELL for BUY and BUY for SELL.
func (a Action) Opposite() Action {
	switch a {
	case ActionBuy:
		return ActionSell
	case ActionSell:
		return ActionBuy
	default:
		return a
	}
}

// OrderType identifies the broker order shape.
type OrderType string

const (
	OrderTypeMarket  OrderType = "MKT"
	OrderTypeLimit   OrderType = "LMT"
	OrderTypeStop    OrderType = "STP"
	OrderTypeSnapStk OrderType = "SNAP STK"
	OrderTypeLeg     OrderType = "LEG" // combo leg, shaping inherited from parent
)

// TIF is the time-in-force of an order.
type TIF string

const (
	TIFDay TIF = "DAY"
	TIFGTC TIF = "GTC"
	TIFIOC TIF = "IOC"
)

// OrderStatus is the normalized lifecycle state reported by the broker.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusWorking   OrderStatus = "working"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Open reports whether the status counts as a live working order.
func (s OrderStatus) Open() bool {
	return s == StatusPending || s == StatusWorking
}

// ---------------------------------------------------------------------------
// Contract key
// ---------------------------------------------------------------------------

// ContractKey identifies a tradable instrument, the unit of reconciliation.
// Its string form is "SYMBOL.MARKET".
type ContractKey struct {
	Symbol string
	Market string
}

func (k ContractKey) String() string {
	return k.Symbol + "." + k.Market
}

// ParseContractKey splits "SYMBOL.MARKET" on the last dot, so symbols that
// themselves contain dots (e.g. BRK.A) stay intact.
func ParseContractKey(s string) (ContractKey, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return ContractKey{}, fmt.Errorf("invalid contract key %q", s)
	}
	return ContractKey{Symbol: s[:i], Market: s[i+1:]}, nil
}

// ---------------------------------------------------------------------------
// Order
// ---------------------------------------------------------------------------

// Order is one trading instruction, either observed at the broker or emitted
// by the reconciliation engine as a mutation. A combo (multi-leg) order is an
// Order whose Attached children have OrderType LEG; an attached STP or
// take-profit order is a non-LEG child.
type Order struct {
	Action    Action          `json:"action"`
	Quant     decimal.Decimal `json:"quant"`
	OrderType OrderType       `json:"order_type"`
	Limit     decimal.Decimal `json:"limit,omitzero"`
	Stop      decimal.Decimal `json:"stop,omitzero"`
	Offset    decimal.Decimal `json:"offset,omitzero"`
	TIF       TIF             `json:"tif,omitempty"`

	// OrderRef is the stable identifier of a working order across
	// reconciliation runs. AttachRef names the parent order's OrderRef, or an
	// OCA group id. An order whose AttachRef equals its own OrderRef is
	// top-level.
	OrderRef  string `json:"order_ref,omitempty"`
	AttachRef string `json:"attach_ref,omitempty"`

	Status      OrderStatus     `json:"status,omitempty"`
	TradedAt    time.Time       `json:"traded_at,omitzero"`
	TradedPrice decimal.Decimal `json:"traded_price,omitzero"`
	Condition   string          `json:"condition,omitempty"`

	Symbol       string          `json:"symbol,omitempty"`
	Market       string          `json:"market,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	SecurityType string          `json:"security_type,omitempty"`
	Multiplier   decimal.Decimal `json:"multiplier,omitzero"`
	MinTick      decimal.Decimal `json:"min_tick,omitzero"`

	// Attached holds child orders submitted under this order: combo legs
	// (OrderType LEG) or conditional/protective orders.
	Attached []*Order `json:"attached,omitempty"`
}

// Contract returns the instrument key of the order.
func (o *Order) Contract() ContractKey {
	return ContractKey{Symbol: o.Symbol, Market: o.Market}
}

// IsStop reports whether the order is a stop order (any STP variant).
func (o *Order) IsStop() bool {
	return strings.Contains(string(o.OrderType), string(OrderTypeStop))
}

// IsLeg reports whether the order is a combo leg.
func (o *Order) IsLeg() bool {
	return o.OrderType == OrderTypeLeg
}

// IsCombo reports whether the order carries at least one LEG child.
func (o *Order) IsCombo() bool {
	for _, a := range o.Attached {
		if a.IsLeg() {
			return true
		}
	}
	return false
}

// Parent returns the AttachRef unless it is self-referential, in which case
// the order is top-level and has no parent.
func (o *Order) Parent() string {
	if o.AttachRef == o.OrderRef {
		return ""
	}
	return o.AttachRef
}

// Clone returns a deep copy of the order and its attached children.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if len(o.Attached) > 0 {
		c.Attached = make([]*Order, len(o.Attached))
		for i, a := range o.Attached {
			c.Attached[i] = a.Clone()
		}
	}
	return &c
}

// Cancelled returns a cancel mutation for this order, dropping any attached
// children.
func (o *Order) Cancelled() *Order {
	c := *o
	c.Action = ActionCancel
	c.Attached = nil
	return &c
}

// ---------------------------------------------------------------------------
// Position
// ---------------------------------------------------------------------------

// Position is the per-contract reconciliation state: the signed net size
// plus the orders maintained around it. Desired and actual state are both
// expressed in this shape so the engine can diff them directly.
type Position struct {
	Symbol       string
	Market       string
	Currency     string
	SecurityType string
	Multiplier   decimal.Decimal
	MinTick      decimal.Decimal

	// Position is the signed net share/contract count.
	Position decimal.Decimal
	// Asof is the timestamp of the last event contributing to this state.
	Asof time.Time

	// Adjustment is the unique non-stop order whose fill moves Position to
	// the target size, if any.
	Adjustment *Order
	// Stoploss is the unique STP order protecting the current Position.
	Stoploss *Order
	// Working holds additional named orders keyed by order ref.
	Working map[string]*Order

	// Realized is the state before the pending Adjustment is assumed filled.
	// While an adjustment is in flight its protective orders stay sized for
	// Realized.Position, not for the post-fill target.
	Realized *Position

	// Prior links to the state before the most recent contributing order.
	// The chain is only ever walked backward during state building, never
	// for reconciliation decisions.
	Prior *Position
}

// Contract returns the instrument key of the position.
func (p *Position) Contract() ContractKey {
	return ContractKey{Symbol: p.Symbol, Market: p.Market}
}

// Orders returns the stop-loss and working orders of the position as a flat
// slice. The adjustment is excluded.
func (p *Position) Orders() []*Order {
	var out []*Order
	if p.Stoploss != nil {
		out = append(out, p.Stoploss)
	}
	for _, o := range p.Working {
		out = append(out, o)
	}
	return out
}

// ---------------------------------------------------------------------------
// Balance
// ---------------------------------------------------------------------------

// Balance is one currency line of the broker account summary.
type Balance struct {
	Currency string          `json:"currency"`
	Net      decimal.Decimal `json:"net"`
	Rate     decimal.Decimal `json:"rate"`
	Settled  decimal.Decimal `json:"settled,omitzero"`
	Asof     time.Time       `json:"asof,omitzero"`
}

// PositionRow is one raw broker position record. Multiple rows may exist for
// the same contract (one per account); the actual-state builder sums them.
type PositionRow struct {
	Symbol       string          `json:"symbol"`
	Market       string          `json:"market"`
	Currency     string          `json:"currency,omitempty"`
	SecurityType string          `json:"security_type,omitempty"`
	Multiplier   decimal.Decimal `json:"multiplier,omitzero"`
	Position     decimal.Decimal `json:"position"`
	TradedAt     time.Time       `json:"traded_at,omitzero"`
	Account      string          `json:"account,omitempty"`
}

// Contract returns the instrument key of the row.
func (r PositionRow) Contract() ContractKey {
	return ContractKey{Symbol: r.Symbol, Market: r.Market}
}

// Contract holds the instrument metadata used to fill gaps in signal rows.
type Contract struct {
	Symbol       string
	Market       string
	Currency     string
	SecurityType string
	Multiplier   decimal.Decimal
	MinTick      decimal.Decimal
}
