package replicate

import (
	"regexp"
	"sort"
	"strings"

	"tradesync/internal/domain"
)

// Order refs are derived, never random: the same logical slot produces the
// same ref on every run, which is what makes resubmission idempotent and
// lets a crashed run pick up its own working orders.

var nonWord = regexp.MustCompile(`\W+`)

// orderRef derives the deterministic ref for a desired order slot. prefix
// names the slot kind (order type, stop marker, or slot name) and scope ties
// it to one strategy and contract.
func orderRef(prefix, scope string) string {
	p := nonWord.ReplaceAllString(prefix, "")
	if scope == "" {
		return p
	}
	return p + "." + scope
}

// refScope builds the per-contract scope fragment shared by every ref the
// desired-state builder derives for that contract.
func refScope(label string, key domain.ContractKey) string {
	parts := make([]string, 0, 3)
	if label != "" {
		parts = append(parts, nonWord.ReplaceAllString(label, ""))
	}
	parts = append(parts, nonWord.ReplaceAllString(key.Symbol, ""))
	if key.Market != "" {
		parts = append(parts, nonWord.ReplaceAllString(key.Market, ""))
	}
	return strings.Join(parts, ".")
}

// comboRef synthesizes the ref for a combo order from its sorted leg
// symbols, so the same leg set always maps to the same combo.
func comboRef(legs []*domain.Order) string {
	symbols := make([]string, len(legs))
	for i, leg := range legs {
		symbols[i] = nonWord.ReplaceAllString(leg.Symbol, "")
	}
	sort.Strings(symbols)
	return "BAG." + strings.Join(symbols, ".")
}
