// Package broker defines the Broker collaborator interface consumed by the
// reconciliation engine and provides implementations for executing orders
// against different brokerages.
package broker

import (
	"context"
	"time"

	"tradesync/internal/domain"
)

// Broker abstracts the brokerage operations the reconciliation engine needs:
// three independent snapshot reads and two order mutations. The broker's own
// order book is the durable state between reconciliation cycles, so there is
// no local persistence behind this interface.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// Balances returns the per-currency account summary as of the given
	// time (brokers that cannot report historically return current values).
	Balances(ctx context.Context, asof time.Time) ([]domain.Balance, error)

	// Positions returns all open position rows, one per contract per
	// account.
	Positions(ctx context.Context, now time.Time) ([]domain.PositionRow, error)

	// Orders returns all known working orders, including LEG rows for
	// multi-leg combos inlined after their parent.
	Orders(ctx context.Context, now time.Time) ([]*domain.Order, error)

	// Submit transmits an order mutation (submit, replace, or a parent with
	// attached children). It returns every posted order, parents before
	// children, with broker-assigned refs and statuses filled in.
	Submit(ctx context.Context, order *domain.Order) ([]*domain.Order, error)

	// Cancel requests cancellation of a working order by its order ref and
	// returns the cancelled order.
	Cancel(ctx context.Context, orderRef string) (*domain.Order, error)

	// Lookup resolves contract metadata for a symbol/market pair. It is only
	// used to fill gaps in signal rows.
	Lookup(ctx context.Context, symbol, market string) (*domain.Contract, error)
}
