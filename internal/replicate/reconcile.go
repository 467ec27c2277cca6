package replicate

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
)

// Reconcile diffs one contract's desired state against the broker's actual
// state and returns the minimal order mutations that converge them:
// cancellations first, then submissions, with protective orders nested under
// the adjustment when one is emitted. Running it twice against a broker that
// accepted the first batch produces nothing.
func Reconcile(want, have *domain.Position, opts Options, log *slog.Logger) []*domain.Order {
	if want == nil {
		want = &domain.Position{
			Symbol: have.Symbol, Market: have.Market,
			Currency: have.Currency, SecurityType: have.SecurityType,
			Multiplier: have.Multiplier, MinTick: have.MinTick,
		}
	}
	if have == nil {
		have = &domain.Position{
			Symbol: want.Symbol, Market: want.Market,
			Currency: want.Currency, SecurityType: want.SecurityType,
			Multiplier: want.Multiplier, MinTick: want.MinTick,
		}
	}
	threshold := opts.threshold(have.Position)

	adjustments := adjustmentReplacements(want, have, threshold, opts)
	if opts.WorkingOrdersOnly {
		adjustments = nil
	}

	// Signed quantity the adjustment contributes once it fills, counting a
	// matching order already working at the broker.
	adjust := decimal.Zero
	switch {
	case len(adjustments) > 0:
		last := adjustments[len(adjustments)-1]
		if last.Action != domain.ActionCancel {
			adjust = signedQuant(last)
		}
	case have.Adjustment != nil:
		adjust = signedQuant(have.Adjustment)
	}
	target := have.Position.Add(adjust)

	// While an adjustment is in flight the protective orders keep tracking
	// the pre-fill size; once it fills a later run re-sizes them for the
	// target.
	protectFor := want
	if adjust.Sign() != 0 && want.Realized != nil {
		protectFor = want.Realized
	}
	posOffset := target.Sub(want.Position)
	if protectFor == want.Realized {
		posOffset = have.Position.Sub(want.Realized.Position)
	}

	var protective []*domain.Order
	if !opts.ExcludeWorkingOrders {
		protective = append(protective,
			orderReplacements(have.Stoploss, protectFor.Stoploss, posOffset, threshold)...)
		for _, ref := range workingRefs(protectFor, have) {
			protective = append(protective,
				orderReplacements(have.Working[ref], protectFor.Working[ref], posOffset, threshold)...)
		}
	}

	if !opts.Force && stale(want, have, adjustments, threshold, opts) {
		if log != nil {
			log.Warn("position moved without a matching order; cancelling working orders only",
				"contract", have.Contract().String(),
				"actual", have.Position.String(), "desired", want.Position.String(),
				"asof", have.Asof)
		}
		return cancelsOnly(append(adjustments, protective...))
	}

	// Transition orders protect the pre-fill position, so they submit
	// standalone instead of riding on the adjustment's fill.
	nest := protectFor != want.Realized
	return assemble(adjustments, protective, nest)
}

// adjustmentReplacements computes the mutation (if any) for the position
// adjustment slot through the same replacement primitive as every other
// slot.
func adjustmentReplacements(want, have *domain.Position, threshold decimal.Decimal, opts Options) []*domain.Order {
	diff := want.Position.Sub(have.Position)
	var desired *domain.Order
	if !diff.IsZero() && diff.Abs().GreaterThanOrEqual(threshold) {
		action := domain.ActionBuy
		if diff.IsNegative() {
			action = domain.ActionSell
		}
		if want.Adjustment != nil && want.Adjustment.Action == action {
			desired = want.Adjustment.Clone()
			desired.Quant = diff.Abs()
		} else {
			desired = &domain.Order{
				Action:    action,
				Quant:     diff.Abs(),
				OrderType: opts.DefaultOrderType,
				TIF:       domain.TIFDay,
				Status:    domain.StatusWorking,
			}
			desired.Symbol = want.Symbol
			desired.Market = want.Market
			desired.Currency = want.Currency
			desired.SecurityType = want.SecurityType
			desired.Multiplier = want.Multiplier
			desired.MinTick = want.MinTick
			if want.Adjustment != nil {
				desired.OrderRef = want.Adjustment.OrderRef
			}
		}
	}
	return orderReplacements(have.Adjustment, desired, decimal.Zero, threshold)
}

// orderReplacements is the single primitive deciding one order slot's fate.
// A live order with the wrong action, order type, or condition is cancelled
// outright; an order that merely drifted in quantity or price is replaced
// under its existing ref; a matching order is left alone.
func orderReplacements(existing, desired *domain.Order, posOffset, threshold decimal.Decimal) []*domain.Order {
	var out []*domain.Order

	var next *domain.Order
	if desired != nil {
		quant := desired.Quant
		if !posOffset.IsZero() {
			if desired.Action == domain.ActionSell {
				quant = quant.Add(posOffset)
			} else {
				quant = quant.Sub(posOffset)
			}
		}
		if quant.IsPositive() {
			next = desired.Clone()
			next.Quant = quant
		}
	}

	if existing != nil {
		if next != nil && sameSignal(existing, next, threshold) {
			return out
		}
		out = append(out, existing.Cancelled())
		if next != nil &&
			existing.Action == next.Action &&
			existing.OrderType == next.OrderType &&
			existing.Condition == next.Condition {
			// Same slot, new size or price: the resubmit keeps the live
			// order's identity.
			next.OrderRef = existing.OrderRef
			if existing.AttachRef != "" {
				next.AttachRef = existing.AttachRef
			}
		}
	}
	if next == nil {
		return out
	}
	return append(out, next)
}

// sameSignal reports whether a live order already expresses the desired one:
// identical shape and price levels, with the quantity difference inside the
// threshold.
func sameSignal(a, b *domain.Order, threshold decimal.Decimal) bool {
	return a.Action == b.Action &&
		a.OrderType == b.OrderType &&
		a.TIF == b.TIF &&
		a.Condition == b.Condition &&
		a.Limit.Equal(b.Limit) &&
		a.Stop.Equal(b.Stop) &&
		a.Offset.Equal(b.Offset) &&
		a.Quant.Sub(b.Quant).Abs().LessThanOrEqual(threshold)
}

// stale detects positions that moved underneath the desired state: the
// broker position was touched after the desired state's asof plus the grace
// window, there is no live adjustment explaining it, and the size matches
// what one of the desired protective orders would have left behind. That
// pattern means an order filled outside this engine's view, so only
// cancellations are safe until fresh signals arrive.
func stale(want, have *domain.Position, adjustments []*domain.Order, threshold decimal.Decimal, opts Options) bool {
	if len(adjustments) == 0 || have.Adjustment != nil {
		return false
	}
	if want.Asof.IsZero() || !have.Asof.After(want.Asof.Add(opts.StaleWindow)) {
		return false
	}
	for _, t := range impliedTargets(want) {
		if have.Position.Sub(t).Abs().LessThanOrEqual(threshold) {
			return true
		}
	}
	return false
}

// impliedTargets lists the positions the desired protective orders would
// leave behind if one of them filled.
func impliedTargets(want *domain.Position) []decimal.Decimal {
	var targets []decimal.Decimal
	add := func(base decimal.Decimal, o *domain.Order) {
		if o == nil {
			return
		}
		targets = append(targets, base.Add(signedQuant(o)))
	}
	add(want.Position, want.Stoploss)
	for _, o := range want.Working {
		add(want.Position, o)
	}
	if want.Realized != nil {
		add(want.Realized.Position, want.Realized.Stoploss)
		for _, o := range want.Realized.Working {
			add(want.Realized.Position, o)
		}
	}
	return targets
}

// assemble orders the mutations for submission: cancellations first, then
// the adjustment with the new protective orders nested under it so the
// broker attaches them to the fill, then any standalone submissions.
func assemble(adjustments, protective []*domain.Order, nest bool) []*domain.Order {
	var cancels, submits []*domain.Order
	for _, o := range adjustments {
		if o.Action == domain.ActionCancel {
			cancels = append(cancels, o)
		} else {
			submits = append(submits, o)
		}
	}
	var adj *domain.Order
	if nest && len(submits) == 1 {
		adj = submits[0]
	}
	for _, o := range protective {
		if o.Action == domain.ActionCancel {
			cancels = append(cancels, o)
			continue
		}
		if adj != nil && adj.OrderRef != "" && o.OrderRef != adj.OrderRef {
			child := o.Clone()
			child.AttachRef = adj.OrderRef
			adj.Attached = append(adj.Attached, child)
			continue
		}
		submits = append(submits, o)
	}
	return append(cancels, submits...)
}

func cancelsOnly(mutations []*domain.Order) []*domain.Order {
	var cancels []*domain.Order
	for _, o := range mutations {
		if o.Action == domain.ActionCancel {
			cancels = append(cancels, o)
		}
	}
	return cancels
}

// workingRefs is the sorted union of desired and actual working slot refs.
func workingRefs(want, have *domain.Position) []string {
	seen := make(map[string]bool)
	var refs []string
	for ref := range want.Working {
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for ref := range have.Working {
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs
}

func signedQuant(o *domain.Order) decimal.Decimal {
	return o.Quant.Mul(decimal.NewFromInt(int64(o.Action.Sign())))
}
