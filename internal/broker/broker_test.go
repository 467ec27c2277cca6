package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
)

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "https://paper-api.alpaca.markets")
	if got := b.Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker()
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
}

func TestSimulatorSubmitAndOrders(t *testing.T) {
	b := NewSimulatorBroker()
	ctx := context.Background()

	posted, err := b.Submit(ctx, &domain.Order{
		Action:    domain.ActionBuy,
		Quant:     decimal.NewFromInt(100),
		OrderType: domain.OrderTypeLimit,
		Limit:     decimal.NewFromFloat(12.5),
		TIF:       domain.TIFDay,
		OrderRef:  "LMT.abc",
		Symbol:    "XYZ",
		Market:    "NYSE",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(posted) != 1 {
		t.Fatalf("Submit returned %d orders, want 1", len(posted))
	}
	if posted[0].Status != domain.StatusWorking {
		t.Errorf("posted status = %q, want %q", posted[0].Status, domain.StatusWorking)
	}

	orders, err := b.Orders(ctx, time.Now())
	if err != nil {
		t.Fatalf("Orders returned error: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderRef != "LMT.abc" {
		t.Fatalf("Orders = %v, want single LMT.abc", orders)
	}
}

func TestSimulatorReplaceSameRef(t *testing.T) {
	b := NewSimulatorBroker()
	ctx := context.Background()

	order := &domain.Order{
		Action:    domain.ActionBuy,
		Quant:     decimal.NewFromInt(100),
		OrderType: domain.OrderTypeMarket,
		OrderRef:  "MKT.abc",
		Symbol:    "XYZ",
		Market:    "NYSE",
	}
	if _, err := b.Submit(ctx, order); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	replacement := order.Clone()
	replacement.Quant = decimal.NewFromInt(50)
	if _, err := b.Submit(ctx, replacement); err != nil {
		t.Fatalf("Submit replacement: %v", err)
	}

	orders, _ := b.Orders(ctx, time.Now())
	if len(orders) != 1 {
		t.Fatalf("after replace, %d working orders, want 1", len(orders))
	}
	if !orders[0].Quant.Equal(decimal.NewFromInt(50)) {
		t.Errorf("replaced quant = %s, want 50", orders[0].Quant)
	}
}

func TestSimulatorAttachedChildren(t *testing.T) {
	b := NewSimulatorBroker()
	ctx := context.Background()

	parent := &domain.Order{
		Action:    domain.ActionBuy,
		Quant:     decimal.NewFromInt(100),
		OrderType: domain.OrderTypeMarket,
		OrderRef:  "MKT.abc",
		Symbol:    "XYZ",
		Market:    "NYSE",
		Attached: []*domain.Order{{
			Action:    domain.ActionSell,
			Quant:     decimal.NewFromInt(100),
			OrderType: domain.OrderTypeStop,
			Stop:      decimal.NewFromInt(90),
			TIF:       domain.TIFGTC,
			OrderRef:  "STP.abc",
			Symbol:    "XYZ",
			Market:    "NYSE",
		}},
	}
	posted, err := b.Submit(ctx, parent)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(posted) != 2 {
		t.Fatalf("Submit returned %d orders, want parent+child", len(posted))
	}
	if posted[1].AttachRef != "MKT.abc" {
		t.Errorf("child AttachRef = %q, want %q", posted[1].AttachRef, "MKT.abc")
	}
}

func TestSimulatorFillMovesPosition(t *testing.T) {
	b := NewSimulatorBroker()
	ctx := context.Background()

	order := &domain.Order{
		Action:    domain.ActionBuy,
		Quant:     decimal.NewFromInt(100),
		OrderType: domain.OrderTypeMarket,
		OrderRef:  "MKT.abc",
		Symbol:    "XYZ",
		Market:    "NYSE",
	}
	if _, err := b.Submit(ctx, order); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := b.Fill("MKT.abc", decimal.NewFromInt(10), time.Now()); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	rows, _ := b.Positions(ctx, time.Now())
	if len(rows) != 1 || !rows[0].Position.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("positions after fill = %v, want XYZ 100", rows)
	}
	orders, _ := b.Orders(ctx, time.Now())
	if len(orders) != 0 {
		t.Errorf("order book should be empty after fill, got %d", len(orders))
	}
}

func TestSimulatorCancel(t *testing.T) {
	b := NewSimulatorBroker()
	ctx := context.Background()

	order := &domain.Order{
		Action:    domain.ActionBuy,
		Quant:     decimal.NewFromInt(10),
		OrderType: domain.OrderTypeMarket,
		OrderRef:  "MKT.abc",
		Symbol:    "XYZ",
		Market:    "NYSE",
	}
	if _, err := b.Submit(ctx, order); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cancelled, err := b.Cancel(ctx, "MKT.abc")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Errorf("cancelled status = %q, want %q", cancelled.Status, domain.StatusCancelled)
	}
	if _, err := b.Cancel(ctx, "MKT.abc"); err == nil {
		t.Error("second Cancel should fail for unknown ref")
	}
}
