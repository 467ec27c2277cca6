package replicate

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
)

// Combine collapses mutations for different contracts that share an order
// ref into single combo orders. Legs keep their own contracts; the shared
// shaping moves to the parent, leg quantities reduce by their greatest
// common divisor, and the limit becomes the quantity-weighted signed average
// of the leg limits. Groups that cannot be expressed as one combo are left
// as standalone orders with a warning, never dropped.
func Combine(existing []*domain.Order, mutations []*domain.Order, log *slog.Logger) []*domain.Order {
	groups := make(map[string][]*domain.Order)
	order := make([]string, 0)
	var out []*domain.Order

	for _, m := range mutations {
		m.Attached = Combine(existing, m.Attached, log)
		if m.Action != domain.ActionBuy && m.Action != domain.ActionSell || m.OrderRef == "" {
			out = append(out, m)
			continue
		}
		if _, ok := groups[m.OrderRef]; !ok {
			order = append(order, m.OrderRef)
		}
		groups[m.OrderRef] = append(groups[m.OrderRef], m)
	}

	for _, ref := range order {
		members := groups[ref]
		if !comboCandidate(members) {
			out = append(out, members...)
			continue
		}
		combo, err := combine(members, existing)
		if err != nil {
			if log != nil {
				log.Warn("submitting legs standalone", "ref", ref, "err", err)
			}
			out = append(out, members...)
			continue
		}
		if stale := replacedCombo(existing, combo); stale != nil {
			out = append(out, stale.Cancelled())
		}
		out = append(out, combo)
	}
	return out
}

// comboCandidate requires at least two members on distinct contracts.
func comboCandidate(members []*domain.Order) bool {
	if len(members) < 2 {
		return false
	}
	first := members[0].Contract()
	for _, m := range members[1:] {
		if m.Contract() != first {
			return true
		}
	}
	return false
}

// combine builds one combo order from leg mutations sharing a ref.
func combine(members []*domain.Order, existing []*domain.Order) (*domain.Order, error) {
	first := members[0]
	gcd := int64(0)
	net := decimal.Zero
	netStop := decimal.Zero
	for _, m := range members {
		if m.OrderType != first.OrderType || m.TIF != first.TIF ||
			m.Condition != first.Condition || !m.Offset.Equal(first.Offset) {
			return nil, &CannotCombineError{Ref: first.OrderRef, Msg: "legs disagree on order shaping"}
		}
		if m.Currency != first.Currency {
			return nil, &CannotCombineError{Ref: first.OrderRef, Msg: "legs span currencies"}
		}
		if len(m.Attached) > 0 {
			return nil, &CannotCombineError{Ref: first.OrderRef, Msg: "legs carry attached orders"}
		}
		if !m.Quant.Equal(m.Quant.Truncate(0)) || !m.Quant.IsPositive() {
			return nil, &CannotCombineError{Ref: first.OrderRef, Msg: "leg quantities must be positive whole counts"}
		}
		gcd = gcdInt(gcd, m.Quant.IntPart())
		sign := decimal.NewFromInt(int64(m.Action.Sign()))
		net = net.Add(m.Limit.Mul(m.Quant).Mul(sign))
		netStop = netStop.Add(m.Stop.Mul(m.Quant).Mul(sign))
	}

	quant := decimal.NewFromInt(gcd)
	action := domain.ActionBuy
	if prior := sameRefCombo(existing, members); prior != nil {
		action = prior.Action
	} else if net.IsNegative() {
		action = domain.ActionSell
	}
	limit := net.Div(quant)
	stop := netStop.Div(quant)
	if action == domain.ActionSell {
		limit = limit.Neg()
		stop = stop.Neg()
	}

	legs := make([]*domain.Order, len(members))
	combo := &domain.Order{
		Action:       action,
		Quant:        quant,
		OrderType:    first.OrderType,
		Limit:        limit,
		Stop:         stop,
		Offset:       first.Offset,
		TIF:          first.TIF,
		Condition:    first.Condition,
		OrderRef:     comboRef(members),
		AttachRef:    first.AttachRef,
		Status:       domain.StatusWorking,
		Currency:     first.Currency,
		SecurityType: "BAG",
	}
	for i, m := range members {
		leg := m.Clone()
		leg.OrderType = domain.OrderTypeLeg
		// Per-leg prices ride along so the next cycle can compare legs
		// against the desired orders exactly.
		leg.Offset = decimal.Zero
		leg.TIF = ""
		leg.OrderRef = ""
		leg.AttachRef = combo.OrderRef
		// Actions and ratios are stored relative to a bought combo, so a
		// sold combo reads as the mirror image.
		if action == domain.ActionSell {
			leg.Action = m.Action.Opposite()
		}
		leg.Quant = m.Quant.Div(quant)
		if leg.Action == domain.ActionSell {
			leg.Quant = leg.Quant.Neg()
		}
		legs[i] = leg
	}
	combo.Attached = legs
	return combo, nil
}

// sameRefCombo finds a live combo whose leg set matches the group exactly,
// so a replacement keeps trading the same side as the original.
func sameRefCombo(existing []*domain.Order, members []*domain.Order) *domain.Order {
	ref := comboRef(members)
	for _, o := range existing {
		if o.IsCombo() && o.Status.Open() && o.OrderRef == ref {
			return o
		}
	}
	return nil
}

// replacedCombo finds a live combo that shares legs with the new one but has
// a different membership. Changing membership means cancelling the whole
// combo and submitting a fresh one.
func replacedCombo(existing []*domain.Order, combo *domain.Order) *domain.Order {
	newSymbols := make(map[string]bool, len(combo.Attached))
	for _, leg := range combo.Attached {
		newSymbols[leg.Symbol] = true
	}
	for _, o := range existing {
		if !o.IsCombo() || !o.Status.Open() || o.OrderRef == combo.OrderRef {
			continue
		}
		overlap, extra := false, false
		for _, leg := range o.Attached {
			if newSymbols[leg.Symbol] {
				overlap = true
			} else {
				extra = true
			}
		}
		if overlap && (extra || len(o.Attached) != len(combo.Attached)) {
			return o
		}
	}
	return nil
}

func gcdInt(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
