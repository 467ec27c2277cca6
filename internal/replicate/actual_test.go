package replicate

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
)

func TestBuildActualSumsPositions(t *testing.T) {
	rows := []domain.PositionRow{
		{Symbol: "XYZ", Market: "NYSE", Position: decimal.NewFromInt(60), Account: "U1", TradedAt: testNow.Add(-time.Hour)},
		{Symbol: "XYZ", Market: "NYSE", Position: decimal.NewFromInt(40), Account: "U2", TradedAt: testNow.Add(-time.Minute)},
	}
	actual, failures := BuildActual(rows, nil, nil, testOptions(), nil)
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	pos := actual[domain.ContractKey{Symbol: "XYZ", Market: "NYSE"}]
	if pos == nil {
		t.Fatal("no actual position")
	}
	if !pos.Position.Equal(decimal.NewFromInt(100)) {
		t.Errorf("position = %s, want 100 across accounts", pos.Position)
	}
	if !pos.Asof.Equal(testNow.Add(-time.Minute)) {
		t.Errorf("asof = %s, want the latest row's", pos.Asof)
	}
}

func TestBuildActualAssignsSlots(t *testing.T) {
	orders := []*domain.Order{
		{
			Action: domain.ActionBuy, Quant: decimal.NewFromInt(50),
			OrderType: domain.OrderTypeMarket, OrderRef: "MKT.alpha.XYZ.NYSE",
			Symbol: "XYZ", Market: "NYSE", Status: domain.StatusWorking,
		},
		{
			Action: domain.ActionSell, Quant: decimal.NewFromInt(50),
			OrderType: domain.OrderTypeStop, Stop: decimal.NewFromInt(90),
			OrderRef: "STP.alpha.XYZ.NYSE",
			Symbol:   "XYZ", Market: "NYSE", Status: domain.StatusWorking,
		},
		{
			Action: domain.ActionSell, Quant: decimal.NewFromInt(25),
			OrderType: domain.OrderTypeLimit, Limit: decimal.NewFromInt(120),
			OrderRef: "tp1.alpha.XYZ.NYSE",
			Symbol:   "XYZ", Market: "NYSE", Status: domain.StatusWorking,
		},
		{
			Action: domain.ActionBuy, Quant: decimal.NewFromInt(1),
			OrderType: domain.OrderTypeLimit, OrderRef: "closed",
			Symbol: "XYZ", Market: "NYSE", Status: domain.StatusFilled,
		},
	}
	actual, failures := BuildActual(nil, orders, nil, testOptions(), nil)
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	pos := actual[domain.ContractKey{Symbol: "XYZ", Market: "NYSE"}]
	if pos.Adjustment == nil || pos.Adjustment.OrderRef != "MKT.alpha.XYZ.NYSE" {
		t.Error("adjustment slot not assigned")
	}
	if pos.Stoploss == nil || pos.Stoploss.OrderRef != "STP.alpha.XYZ.NYSE" {
		t.Error("stoploss slot not assigned")
	}
	if len(pos.Working) != 1 {
		t.Fatalf("working = %d, want the tp1 order only (filled order dropped)", len(pos.Working))
	}
}

// After the adjustment fills, a named slot order is the only thing left on
// the book; it must file under its own ref, not get claimed as the
// adjustment, or every later run would cancel and resubmit it.
func TestBuildActualKeepsWorkingSlotOutOfAdjustment(t *testing.T) {
	want := map[domain.ContractKey]*domain.Position{
		{Symbol: "XYZ", Market: "NYSE"}: {
			Symbol: "XYZ", Market: "NYSE",
			Adjustment: &domain.Order{
				Action: domain.ActionBuy, Quant: decimal.NewFromInt(100),
				OrderType: domain.OrderTypeMarket, TIF: domain.TIFDay,
				OrderRef: "MKT.alpha.XYZ.NYSE",
			},
			Working: map[string]*domain.Order{
				"tp1.alpha.XYZ.NYSE": {
					Action: domain.ActionSell, Quant: decimal.NewFromInt(25),
					OrderType: domain.OrderTypeLimit, Limit: decimal.NewFromInt(120),
					TIF: domain.TIFGTC, OrderRef: "tp1.alpha.XYZ.NYSE",
				},
			},
		},
	}
	orders := []*domain.Order{{
		Action: domain.ActionSell, Quant: decimal.NewFromInt(25),
		OrderType: domain.OrderTypeLimit, Limit: decimal.NewFromInt(120),
		TIF: domain.TIFGTC, OrderRef: "tp1.alpha.XYZ.NYSE",
		Symbol: "XYZ", Market: "NYSE", Status: domain.StatusWorking,
	}}
	actual, failures := BuildActual(nil, orders, want, testOptions(), nil)
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	pos := actual[domain.ContractKey{Symbol: "XYZ", Market: "NYSE"}]
	if pos.Adjustment != nil {
		t.Errorf("slot order claimed as adjustment: ref %q", pos.Adjustment.OrderRef)
	}
	if pos.Working["tp1.alpha.XYZ.NYSE"] == nil {
		t.Error("take-profit slot not filed under its own ref")
	}
}

// Symmetric case for STP-typed slots: a secondary stop must not be claimed
// as the stop-loss just because that slot is empty.
func TestBuildActualKeepsSecondaryStopOutOfStoploss(t *testing.T) {
	want := map[domain.ContractKey]*domain.Position{
		{Symbol: "XYZ", Market: "NYSE"}: {
			Symbol: "XYZ", Market: "NYSE",
			Stoploss: &domain.Order{
				Action: domain.ActionSell, Quant: decimal.NewFromInt(100),
				OrderType: domain.OrderTypeStop, Stop: decimal.NewFromInt(90),
				TIF: domain.TIFGTC, OrderRef: "STP.alpha.XYZ.NYSE",
			},
			Working: map[string]*domain.Order{
				"stop2.alpha.XYZ.NYSE": {
					Action: domain.ActionSell, Quant: decimal.NewFromInt(50),
					OrderType: domain.OrderTypeStop, Stop: decimal.NewFromInt(95),
					TIF: domain.TIFGTC, OrderRef: "stop2.alpha.XYZ.NYSE",
				},
			},
		},
	}
	orders := []*domain.Order{{
		Action: domain.ActionSell, Quant: decimal.NewFromInt(50),
		OrderType: domain.OrderTypeStop, Stop: decimal.NewFromInt(95),
		TIF: domain.TIFGTC, OrderRef: "stop2.alpha.XYZ.NYSE",
		Symbol: "XYZ", Market: "NYSE", Status: domain.StatusWorking,
	}}
	actual, _ := BuildActual(nil, orders, want, testOptions(), nil)
	pos := actual[domain.ContractKey{Symbol: "XYZ", Market: "NYSE"}]
	if pos.Stoploss != nil {
		t.Errorf("slot order claimed as stop-loss: ref %q", pos.Stoploss.OrderRef)
	}
	if pos.Working["stop2.alpha.XYZ.NYSE"] == nil {
		t.Error("secondary stop not filed under its own ref")
	}
}

func TestBuildActualResolvesBrokerRefByShape(t *testing.T) {
	want := map[domain.ContractKey]*domain.Position{
		{Symbol: "XYZ", Market: "NYSE"}: {
			Symbol: "XYZ", Market: "NYSE",
			Stoploss: &domain.Order{
				Action: domain.ActionSell, Quant: decimal.NewFromInt(100),
				OrderType: domain.OrderTypeStop, Stop: decimal.NewFromInt(90),
				TIF: domain.TIFGTC, OrderRef: "STP.alpha.XYZ.NYSE",
			},
		},
	}
	// Broker-side replace regenerated the ref; shape still identifies it.
	orders := []*domain.Order{{
		Action: domain.ActionSell, Quant: decimal.NewFromInt(100),
		OrderType: domain.OrderTypeStop, Stop: decimal.NewFromInt(90),
		TIF: domain.TIFGTC, OrderRef: "broker-777",
		Symbol: "XYZ", Market: "NYSE", Status: domain.StatusWorking,
	}}
	actual, _ := BuildActual(nil, orders, want, testOptions(), nil)
	pos := actual[domain.ContractKey{Symbol: "XYZ", Market: "NYSE"}]
	if pos.Stoploss == nil {
		t.Fatal("stop not matched to its desired slot")
	}
	if pos.Stoploss.OrderRef != "broker-777" {
		t.Errorf("ref = %q, the broker's own ref must survive for cancellation", pos.Stoploss.OrderRef)
	}
}

func TestBuildActualMissingOrderTypeFailsContract(t *testing.T) {
	orders := []*domain.Order{{
		Action: domain.ActionBuy, Quant: decimal.NewFromInt(1),
		OrderRef: "x", Symbol: "XYZ", Market: "NYSE", Status: domain.StatusWorking,
	}}
	actual, failures := BuildActual(nil, orders, nil, testOptions(), nil)
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	var mismatch *ContractMismatchError
	if !errors.As(failures[0].Err, &mismatch) {
		t.Fatalf("err = %v, want ContractMismatchError", failures[0].Err)
	}
	if _, ok := actual[domain.ContractKey{Symbol: "XYZ", Market: "NYSE"}]; ok {
		t.Error("failed contract must be skipped, not half-built")
	}
}

func TestBuildActualInlinesComboLegs(t *testing.T) {
	combo := &domain.Order{
		Action: domain.ActionBuy, Quant: decimal.NewFromInt(2),
		OrderType: domain.OrderTypeLimit, Limit: decimal.NewFromInt(7),
		TIF: domain.TIFDay, OrderRef: "BAG.C.P",
		SecurityType: "BAG", Status: domain.StatusWorking,
	}
	legs := []*domain.Order{
		{
			Action: domain.ActionBuy, Quant: decimal.NewFromInt(2),
			OrderType: domain.OrderTypeLeg, AttachRef: "BAG.C.P",
			Symbol: "C", Market: "OPRA", Status: domain.StatusWorking,
		},
		{
			Action: domain.ActionSell, Quant: decimal.NewFromInt(-1),
			OrderType: domain.OrderTypeLeg, AttachRef: "BAG.C.P",
			Symbol: "P", Market: "OPRA", Status: domain.StatusWorking,
		},
	}
	actual, failures := BuildActual(nil, append([]*domain.Order{combo}, legs...), nil, testOptions(), nil)
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	c := actual[domain.ContractKey{Symbol: "C", Market: "OPRA"}]
	if c == nil || c.Adjustment == nil {
		t.Fatal("call leg not inlined")
	}
	if !c.Adjustment.Quant.Equal(decimal.NewFromInt(4)) {
		t.Errorf("call quant = %s, want ratio 2 x combo quant 2", c.Adjustment.Quant)
	}
	if c.Adjustment.OrderType != domain.OrderTypeLimit {
		t.Errorf("call order type = %s, want parent's LMT", c.Adjustment.OrderType)
	}
	p := actual[domain.ContractKey{Symbol: "P", Market: "OPRA"}]
	if p == nil || p.Adjustment == nil {
		t.Fatal("put leg not inlined")
	}
	if p.Adjustment.Action != domain.ActionSell || !p.Adjustment.Quant.Equal(decimal.NewFromInt(2)) {
		t.Errorf("put = %s %s, want SELL 2", p.Adjustment.Action, p.Adjustment.Quant)
	}
}

func TestBuildActualOrphanLegFails(t *testing.T) {
	orders := []*domain.Order{{
		Action: domain.ActionBuy, Quant: decimal.NewFromInt(1),
		OrderType: domain.OrderTypeLeg, AttachRef: "gone",
		Symbol: "C", Market: "OPRA", Status: domain.StatusWorking,
	}}
	_, failures := BuildActual(nil, orders, nil, testOptions(), nil)
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1 for an orphaned leg", len(failures))
	}
}
