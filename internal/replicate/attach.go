package replicate

import (
	"tradesync/internal/domain"
)

// Attach arranges flat mutations into submission trees: an order whose
// attach ref names another mutation in the same batch becomes that order's
// child, everything else stays top-level. Cancellations always stay
// top-level and keep their place at the front. The input orders are not
// mutated.
func Attach(mutations []*domain.Order) []*domain.Order {
	var clones []*domain.Order
	byRef := make(map[string]*domain.Order, len(mutations))
	cancelled := make(map[string]bool)
	for _, m := range mutations {
		// A combo cancellation arrives once per leg; the broker holds one
		// order, so one cancel suffices.
		if m.Action == domain.ActionCancel && m.OrderRef != "" {
			if cancelled[m.OrderRef] {
				continue
			}
			cancelled[m.OrderRef] = true
		}
		c := m.Clone()
		clones = append(clones, c)
		if m.Action != domain.ActionCancel && m.OrderRef != "" {
			byRef[m.OrderRef] = c
		}
	}

	var top []*domain.Order
	for _, c := range clones {
		if c.Action == domain.ActionCancel {
			top = append(top, c)
			continue
		}
		parent := byRef[c.Parent()]
		if parent == nil || parent == c || inTree(c, parent) {
			top = append(top, c)
			continue
		}
		parent.Attached = append(parent.Attached, c)
	}

	// Cancellations go to the broker before anything new.
	var cancels, submits []*domain.Order
	for _, c := range top {
		if c.Action == domain.ActionCancel {
			cancels = append(cancels, c)
		} else {
			submits = append(submits, c)
		}
	}
	return append(cancels, submits...)
}

// inTree reports whether candidate is already a descendant of root, which
// would make attaching root under candidate a cycle.
func inTree(root, candidate *domain.Order) bool {
	for _, child := range root.Attached {
		if child == candidate || inTree(child, candidate) {
			return true
		}
	}
	return false
}
