package replicate

import (
	"sort"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
	"tradesync/internal/signal"
)

// BuildDesired folds signal rows into one desired Position per contract.
// Rows are folded in trade order; the latest row carries the target position
// and the order shaping, and earlier rows survive only as the Prior chain.
func BuildDesired(rows []signal.Row, opts Options) map[domain.ContractKey]*domain.Position {
	byContract := make(map[domain.ContractKey][]signal.Row)
	for _, row := range rows {
		key := row.Contract()
		byContract[key] = append(byContract[key], row)
	}

	desired := make(map[domain.ContractKey]*domain.Position, len(byContract))
	for key, contractRows := range byContract {
		sort.SliceStable(contractRows, func(i, j int) bool {
			return contractRows[i].TradedAt.Before(contractRows[j].TradedAt)
		})
		var prior *domain.Position
		for i := range contractRows {
			prior = advance(prior, contractRows[i], opts)
		}
		decorate(prior, contractRows[len(contractRows)-1], opts)
		desired[key] = prior
	}
	return desired
}

// advance applies one row on top of the prior state. Only position and
// timestamps accumulate here; order slots are derived from the latest row
// alone in decorate.
func advance(prior *domain.Position, row signal.Row, opts Options) *domain.Position {
	pos := &domain.Position{
		Symbol:       row.Symbol,
		Market:       row.Market,
		Currency:     row.Currency,
		SecurityType: row.SecurityType,
		Multiplier:   row.Multiplier,
		MinTick:      row.MinTick,
		Position:     row.Position,
		Asof:         row.TradedAt,
		Prior:        prior,
	}
	if prior != nil {
		if pos.Currency == "" {
			pos.Currency = prior.Currency
		}
		if pos.SecurityType == "" {
			pos.SecurityType = prior.SecurityType
		}
		if pos.Multiplier.IsZero() {
			pos.Multiplier = prior.Multiplier
		}
		if pos.MinTick.IsZero() {
			pos.MinTick = prior.MinTick
		}
	}
	if pos.Multiplier.IsZero() {
		pos.Multiplier = opts.DefaultMultiplier
	}
	if opts.Currency != "" && pos.Currency == "" {
		pos.Currency = opts.Currency
	}
	return pos
}

// decorate derives the order slots of the final desired state from its
// latest row: the adjustment that reaches the target, the stop-loss sized to
// fully close it, the named working slots, and the realized sub-state the
// protective orders track while the adjustment is in flight.
func decorate(pos *domain.Position, row signal.Row, opts Options) {
	scope := refScope(opts.Label, pos.Contract())

	var adj *domain.Order
	if (row.Action == domain.ActionBuy || row.Action == domain.ActionSell) && row.Quant.IsPositive() {
		orderType := row.OrderType
		if orderType == "" {
			orderType = opts.DefaultOrderType
		}
		tif := row.TIF
		if tif == "" {
			tif = domain.TIFDay
		}
		adj = &domain.Order{
			Action:    row.Action,
			Quant:     row.Quant,
			OrderType: orderType,
			Limit:     roundPrice(row.Limit, pos.MinTick, opts),
			Stop:      roundPrice(row.Stop, pos.MinTick, opts),
			Offset:    row.Offset,
			TIF:       tif,
			Condition: row.Condition,
			OrderRef:  row.OrderRef,
			TradedAt:  row.TradedAt,
		}
		if adj.OrderRef == "" {
			adj.OrderRef = orderRef(string(orderType), scope)
		}
		if row.TradedAt.After(opts.Now) {
			adj.Status = domain.StatusPending
		} else {
			adj.Status = domain.StatusWorking
		}
		stampContract(adj, pos)
		pos.Adjustment = adj
	}

	pos.Stoploss = stoplossFor(pos.Position, row.Stoploss, scope, pos, opts)
	pos.Working = workingFor(row.Slots, scope, adj, pos, opts)

	if adj == nil {
		return
	}
	// State before the pending adjustment fills. Protective orders keep
	// tracking this size until the fill shows up in the broker position.
	realizedPos := pos.Position.Sub(row.Quant.Mul(decimal.NewFromInt(int64(row.Action.Sign()))))
	if realizedPos.Equal(pos.Position) {
		return
	}
	realized := &domain.Position{
		Symbol:       pos.Symbol,
		Market:       pos.Market,
		Currency:     pos.Currency,
		SecurityType: pos.SecurityType,
		Multiplier:   pos.Multiplier,
		MinTick:      pos.MinTick,
		Position:     realizedPos,
		Asof:         pos.Asof,
	}
	// Slot shapes travel only on the latest row, so the realized state is
	// protected by its stop-loss alone.
	realized.Stoploss = stoplossFor(realizedPos, row.Stoploss, scope, pos, opts)
	pos.Realized = realized
}

// stoplossFor sizes a GTC stop that fully closes the given position, or nil
// when there is nothing to protect.
func stoplossFor(position, stop decimal.Decimal, scope string, pos *domain.Position, opts Options) *domain.Order {
	if stop.IsZero() || position.IsZero() {
		return nil
	}
	action := domain.ActionSell
	if position.IsNegative() {
		action = domain.ActionBuy
	}
	o := &domain.Order{
		Action:    action,
		Quant:     position.Abs(),
		OrderType: domain.OrderTypeStop,
		Stop:      roundPrice(stop, pos.MinTick, opts),
		TIF:       domain.TIFGTC,
		OrderRef:  orderRef("STP", scope),
		Status:    domain.StatusWorking,
	}
	stampContract(o, pos)
	return o
}

// workingFor materializes the named slots. Slots with non-positive quants or
// non-trade actions declare an empty slot and are skipped.
func workingFor(slots map[string]signal.OrderShape, scope string, parent *domain.Order, pos *domain.Position, opts Options) map[string]*domain.Order {
	if len(slots) == 0 {
		return nil
	}
	working := make(map[string]*domain.Order, len(slots))
	for name, shape := range slots {
		if !shape.Quant.IsPositive() {
			continue
		}
		if shape.Action != domain.ActionBuy && shape.Action != domain.ActionSell {
			continue
		}
		orderType := shape.OrderType
		if orderType == "" {
			orderType = opts.DefaultOrderType
		}
		tif := shape.TIF
		if tif == "" {
			tif = domain.TIFGTC
		}
		o := &domain.Order{
			Action:    shape.Action,
			Quant:     shape.Quant,
			OrderType: orderType,
			Limit:     roundPrice(shape.Limit, pos.MinTick, opts),
			Stop:      roundPrice(shape.Stop, pos.MinTick, opts),
			Offset:    shape.Offset,
			TIF:       tif,
			Condition: shape.Condition,
			OrderRef:  orderRef(name, scope),
			Status:    domain.StatusWorking,
		}
		if parent != nil {
			o.AttachRef = parent.OrderRef
		}
		stampContract(o, pos)
		working[o.OrderRef] = o
	}
	if len(working) == 0 {
		return nil
	}
	return working
}

// roundPrice snaps a price to the contract's tick grid when one is known.
func roundPrice(price, minTick decimal.Decimal, opts Options) decimal.Decimal {
	tick := minTick
	if tick.IsZero() {
		tick = opts.MinTick
	}
	if price.IsZero() || !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

func stampContract(o *domain.Order, pos *domain.Position) {
	o.Symbol = pos.Symbol
	o.Market = pos.Market
	o.Currency = pos.Currency
	o.SecurityType = pos.SecurityType
	o.Multiplier = pos.Multiplier
	o.MinTick = pos.MinTick
}
