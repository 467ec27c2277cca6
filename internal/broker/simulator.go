package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface with an in-memory order
// book for paper trading and tests. Submitting an order with an order ref
// that is already working replaces the working order, mirroring broker-side
// replace semantics.
type SimulatorBroker struct {
	mu        sync.Mutex
	seq       int
	positions []domain.PositionRow
	orders    map[string]*domain.Order // order_ref -> working order
	balances  []domain.Balance
	contracts map[string]domain.Contract // "SYMBOL.MARKET" -> metadata
}

// NewSimulatorBroker creates a SimulatorBroker with an empty order book.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		orders:    make(map[string]*domain.Order),
		contracts: make(map[string]domain.Contract),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetPositions replaces the simulated position rows.
func (b *SimulatorBroker) SetPositions(rows []domain.PositionRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = append([]domain.PositionRow(nil), rows...)
}

// SetBalances replaces the simulated account balances.
func (b *SimulatorBroker) SetBalances(balances []domain.Balance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = append([]domain.Balance(nil), balances...)
}

// AddContract registers contract metadata for Lookup.
func (b *SimulatorBroker) AddContract(c domain.Contract) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contracts[c.Symbol+"."+c.Market] = c
}

// Fill marks the working order with the given ref as filled, applies its
// quantity to the simulated position, and removes it from the book.
func (b *SimulatorBroker) Fill(orderRef string, price decimal.Decimal, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ord, ok := b.orders[orderRef]
	if !ok {
		return fmt.Errorf("no working order %q", orderRef)
	}
	delete(b.orders, orderRef)
	signed := ord.Quant.Mul(decimal.NewFromInt(int64(ord.Action.Sign())))
	for i := range b.positions {
		if b.positions[i].Symbol == ord.Symbol && b.positions[i].Market == ord.Market {
			b.positions[i].Position = b.positions[i].Position.Add(signed)
			b.positions[i].TradedAt = at
			return nil
		}
	}
	b.positions = append(b.positions, domain.PositionRow{
		Symbol:       ord.Symbol,
		Market:       ord.Market,
		Currency:     ord.Currency,
		SecurityType: ord.SecurityType,
		Multiplier:   ord.Multiplier,
		Position:     signed,
		TradedAt:     at,
	})
	return nil
}

// Balances returns the simulated account balances.
func (b *SimulatorBroker) Balances(_ context.Context, _ time.Time) ([]domain.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Balance(nil), b.balances...), nil
}

// Positions returns the simulated position rows.
func (b *SimulatorBroker) Positions(_ context.Context, _ time.Time) ([]domain.PositionRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.PositionRow(nil), b.positions...), nil
}

// Orders returns all working orders sorted by order ref, with combo legs
// inlined after their parent the way a real broker reports them.
func (b *SimulatorBroker) Orders(_ context.Context, _ time.Time) ([]*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	refs := make([]string, 0, len(b.orders))
	for ref := range b.orders {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	var out []*domain.Order
	for _, ref := range refs {
		ord := b.orders[ref]
		flat := ord.Clone()
		flat.Attached = nil
		out = append(out, flat)
		for _, child := range ord.Attached {
			leg := child.Clone()
			leg.Attached = nil
			leg.AttachRef = ord.OrderRef
			if leg.Status == "" {
				leg.Status = ord.Status
			}
			out = append(out, leg)
		}
	}
	return out, nil
}

// Submit records the order as working, replacing any working order with the
// same order ref. Attached non-LEG children are booked as their own working
// orders under the parent's ref.
func (b *SimulatorBroker) Submit(_ context.Context, order *domain.Order) ([]*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitLocked(order, "")
}

func (b *SimulatorBroker) submitLocked(order *domain.Order, parentRef string) ([]*domain.Order, error) {
	if order.Action == domain.ActionCancel {
		ord, ok := b.orders[order.OrderRef]
		if !ok {
			return nil, fmt.Errorf("cancel: no working order %q", order.OrderRef)
		}
		delete(b.orders, order.OrderRef)
		cancelled := ord.Clone()
		cancelled.Status = domain.StatusCancelled
		return []*domain.Order{cancelled}, nil
	}
	if order.Action == domain.ActionOCA {
		// The simulator books OCA members independently under a shared group
		// ref; sibling cancellation on fill is not simulated.
		group := order.OrderRef
		if group == "" {
			group = b.nextRefLocked("OCA")
		}
		var out []*domain.Order
		for _, member := range order.Attached {
			posted, err := b.submitLocked(member.Clone(), group)
			if err != nil {
				return out, err
			}
			out = append(out, posted...)
		}
		return out, nil
	}
	if order.Action != domain.ActionBuy && order.Action != domain.ActionSell {
		return nil, fmt.Errorf("unsupported action %q", order.Action)
	}
	if !order.Quant.IsPositive() {
		return nil, fmt.Errorf("order quant must be positive, got %s", order.Quant)
	}

	posted := order.Clone()
	if posted.OrderRef == "" {
		posted.OrderRef = b.nextRefLocked(string(posted.OrderType))
	}
	if parentRef != "" {
		posted.AttachRef = parentRef
	}
	posted.Status = domain.StatusWorking

	// Non-LEG children are booked as their own working orders; only legs
	// stay on the parent, the way a combo is held as a single order.
	children := posted.Attached
	posted.Attached = nil
	for _, child := range children {
		if child.IsLeg() {
			posted.Attached = append(posted.Attached, child.Clone())
		}
	}
	b.orders[posted.OrderRef] = posted

	out := []*domain.Order{posted.Clone()}
	out[0].Attached = nil
	for _, leg := range posted.Attached {
		echo := leg.Clone()
		echo.AttachRef = posted.OrderRef
		echo.Status = posted.Status
		out = append(out, echo)
	}
	for _, child := range children {
		if child.IsLeg() {
			continue
		}
		childPosted, err := b.submitLocked(child.Clone(), posted.OrderRef)
		if err != nil {
			return out, err
		}
		out = append(out, childPosted...)
	}
	return out, nil
}

// Cancel removes the working order with the given ref from the book.
func (b *SimulatorBroker) Cancel(_ context.Context, orderRef string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ord, ok := b.orders[orderRef]
	if !ok {
		return nil, fmt.Errorf("cancel: no working order %q", orderRef)
	}
	delete(b.orders, orderRef)
	cancelled := ord.Clone()
	cancelled.Status = domain.StatusCancelled
	return cancelled, nil
}

// Lookup returns registered contract metadata, or a bare STK contract when
// the symbol was never registered.
func (b *SimulatorBroker) Lookup(_ context.Context, symbol, market string) (*domain.Contract, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.contracts[symbol+"."+market]; ok {
		out := c
		return &out, nil
	}
	return &domain.Contract{
		Symbol:       symbol,
		Market:       market,
		Currency:     "USD",
		SecurityType: "STK",
		Multiplier:   decimal.NewFromInt(1),
	}, nil
}

func (b *SimulatorBroker) nextRefLocked(label string) string {
	b.seq++
	return fmt.Sprintf("%s.sim.%d", label, b.seq)
}
