package replicate

import (
	"log/slog"

	"tradesync/internal/domain"
)

// BuildActual assembles the broker's view into one Position per contract:
// summed position rows plus the open working orders, with combo legs inlined
// onto their own contracts and broker-generated refs resolved back to the
// desired refs they stand in for. Contracts whose snapshot cannot be
// interpreted are reported as failures and skipped, not fatal to the run.
func BuildActual(rows []domain.PositionRow, orders []*domain.Order, desired map[domain.ContractKey]*domain.Position, opts Options, log *slog.Logger) (map[domain.ContractKey]*domain.Position, []ContractFailure) {
	actual := make(map[domain.ContractKey]*domain.Position)
	var failures []ContractFailure
	failed := make(map[domain.ContractKey]bool)
	fail := func(key domain.ContractKey, err error) {
		if failed[key] {
			return
		}
		failed[key] = true
		failures = append(failures, ContractFailure{Contract: key, Err: err})
		delete(actual, key)
	}

	for _, row := range rows {
		key := domain.ContractKey{Symbol: row.Symbol, Market: row.Market}
		pos := actual[key]
		if pos == nil {
			pos = &domain.Position{
				Symbol:       row.Symbol,
				Market:       row.Market,
				Currency:     row.Currency,
				SecurityType: row.SecurityType,
				Multiplier:   row.Multiplier,
			}
			if pos.Multiplier.IsZero() {
				pos.Multiplier = opts.DefaultMultiplier
			}
			actual[key] = pos
		}
		pos.Position = pos.Position.Add(row.Position)
		if row.TradedAt.After(pos.Asof) {
			pos.Asof = row.TradedAt
		}
	}

	flat, inlineFailures := inlineLegs(NestOrders(orders))
	for _, f := range inlineFailures {
		fail(f.Contract, f.Err)
	}

	for _, o := range flat {
		if !o.Status.Open() {
			continue
		}
		key := o.Contract()
		if failed[key] {
			continue
		}
		if o.OrderType == "" {
			fail(key, &ContractMismatchError{Contract: key, Ref: o.OrderRef, Msg: "working order has no order type"})
			continue
		}
		pos := actual[key]
		if pos == nil {
			pos = &domain.Position{
				Symbol:       o.Symbol,
				Market:       o.Market,
				Currency:     o.Currency,
				SecurityType: o.SecurityType,
				Multiplier:   o.Multiplier,
			}
			if pos.Multiplier.IsZero() {
				pos.Multiplier = opts.DefaultMultiplier
			}
			actual[key] = pos
		}
		assignOrder(pos, o, desired[key], log)
	}

	for key := range failed {
		delete(actual, key)
	}
	return actual, failures
}

// NestOrders rebuilds order trees from a broker's flat listing, where LEG
// rows follow their parent and point back at it through their attach ref.
// Non-leg orders stay top-level; an orphaned leg is kept top-level so it is
// at least visible downstream.
func NestOrders(flat []*domain.Order) []*domain.Order {
	byRef := make(map[string]*domain.Order, len(flat))
	var out []*domain.Order
	for _, o := range flat {
		if !o.IsLeg() {
			c := o.Clone()
			out = append(out, c)
			if c.OrderRef != "" {
				byRef[c.OrderRef] = c
			}
			continue
		}
		parent := byRef[o.AttachRef]
		if parent == nil {
			out = append(out, o.Clone())
			continue
		}
		parent.Attached = append(parent.Attached, o.Clone())
	}
	return out
}

// inlineLegs replaces combo parents with per-contract orders: each LEG child
// inherits the parent's shaping and ref, flips side when the parent sold the
// combo, and scales to leg ratio times parent quant. Non-combo orders pass
// through untouched.
func inlineLegs(orders []*domain.Order) ([]*domain.Order, []ContractFailure) {
	var flat []*domain.Order
	var failures []ContractFailure
	for _, o := range orders {
		if o.IsLeg() {
			key := o.Contract()
			failures = append(failures, ContractFailure{
				Contract: key,
				Err:      &ContractMismatchError{Contract: key, Ref: o.AttachRef, Msg: "combo leg without a parent order"},
			})
			continue
		}
		if !o.IsCombo() {
			flat = append(flat, o)
			continue
		}
		if o.OrderType == "" {
			key := o.Contract()
			if len(o.Attached) > 0 {
				key = o.Attached[0].Contract()
			}
			failures = append(failures, ContractFailure{
				Contract: key,
				Err:      &ContractMismatchError{Contract: key, Ref: o.OrderRef, Msg: "combo parent has no order type"},
			})
			continue
		}
		for _, leg := range o.Attached {
			if !leg.IsLeg() {
				flat = append(flat, leg)
				continue
			}
			inlined := leg.Clone()
			inlined.Action = leg.Action
			if o.Action == domain.ActionSell {
				inlined.Action = leg.Action.Opposite()
			}
			inlined.Quant = leg.Quant.Abs().Mul(o.Quant)
			inlined.OrderType = o.OrderType
			// Legs keep their own prices when the broker reports them;
			// only missing ones inherit the combo's net price.
			if inlined.Limit.IsZero() {
				inlined.Limit = o.Limit
			}
			if inlined.Stop.IsZero() {
				inlined.Stop = o.Stop
			}
			inlined.Offset = o.Offset
			inlined.TIF = o.TIF
			inlined.Condition = o.Condition
			inlined.Status = o.Status
			inlined.OrderRef = o.OrderRef
			inlined.AttachRef = o.AttachRef
			flat = append(flat, inlined)
		}
	}
	return flat, failures
}

// assignOrder slots one open order into the contract's actual state. The
// order keeps the ref the broker knows it by, so cancellations target the
// right order; the slot it lands in is chosen by the resolved ref, which
// maps broker-generated refs back to the desired slots they serve.
func assignOrder(pos *domain.Position, o *domain.Order, want *domain.Position, log *slog.Logger) {
	ref := resolveRef(o, want)

	// A ref naming a desired working slot files there even while the
	// adjustment or stop-loss slot is still empty: after the adjustment
	// fills, only the slot orders remain on the book, and claiming one as
	// the adjustment would cancel and resubmit it every run.
	if want != nil && want.Working[ref] != nil {
		addWorking(pos, o, ref)
		return
	}

	if o.IsStop() {
		if pos.Stoploss == nil || (want != nil && want.Stoploss != nil && ref == want.Stoploss.OrderRef) {
			if pos.Stoploss != nil {
				addWorking(pos, pos.Stoploss, pos.Stoploss.OrderRef)
			}
			pos.Stoploss = o
			return
		}
		addWorking(pos, o, ref)
		return
	}

	wantAdjRef := ""
	if want != nil && want.Adjustment != nil {
		wantAdjRef = want.Adjustment.OrderRef
	}
	if pos.Adjustment == nil || (wantAdjRef != "" && ref == wantAdjRef) {
		if pos.Adjustment != nil {
			addWorking(pos, pos.Adjustment, pos.Adjustment.OrderRef)
		}
		pos.Adjustment = o
		return
	}
	if log != nil {
		log.Debug("extra working order", "contract", pos.Contract().String(), "ref", o.OrderRef)
	}
	addWorking(pos, o, ref)
}

func addWorking(pos *domain.Position, o *domain.Order, key string) {
	if pos.Working == nil {
		pos.Working = make(map[string]*domain.Order)
	}
	if key == "" {
		key = string(o.Action) + "." + string(o.OrderType) + "." + o.Quant.String()
	}
	pos.Working[key] = o
}

// resolveRef maps a broker order back to the desired ref it serves. An exact
// ref match wins; otherwise the desired orders are scanned for one with the
// same shape, which covers brokers that replace client refs with their own.
func resolveRef(o *domain.Order, want *domain.Position) string {
	if want == nil {
		return o.OrderRef
	}
	known := make(map[string]*domain.Order)
	if want.Adjustment != nil {
		known[want.Adjustment.OrderRef] = want.Adjustment
	}
	if want.Stoploss != nil {
		known[want.Stoploss.OrderRef] = want.Stoploss
	}
	for ref, w := range want.Working {
		known[ref] = w
	}
	if _, ok := known[o.OrderRef]; ok {
		return o.OrderRef
	}
	for ref, w := range known {
		if sameShape(o, w) {
			return ref
		}
	}
	return o.OrderRef
}

// sameShape reports attribute equality on everything except quant and ref.
func sameShape(a, b *domain.Order) bool {
	return a.Action == b.Action &&
		a.OrderType == b.OrderType &&
		a.TIF == b.TIF &&
		a.Condition == b.Condition &&
		a.Limit.Equal(b.Limit) &&
		a.Stop.Equal(b.Stop) &&
		a.Offset.Equal(b.Offset)
}
