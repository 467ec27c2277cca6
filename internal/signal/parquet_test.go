package signal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParquetSourceRoundTrip(t *testing.T) {
	src := NewParquetSource(t.TempDir())

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	records := []SignalRecord{
		{
			Symbol: "XYZ", Market: "NYSE", Currency: "USD", SecurityType: "STK",
			Action: "BUY", Quant: "100", Position: "100",
			OrderType: "LMT", Limit: "12.50", TIF: "DAY", Stoploss: "11.00",
			TradedAt: base.UnixMilli(),
			Slots: []SlotRecord{
				{Name: "tp1", Action: "SELL", Quant: "50", OrderType: "LMT", Limit: "14.00", TIF: "GTC"},
			},
		},
		{
			Symbol: "XYZ", Market: "NYSE",
			Action: "SELL", Quant: "40", Position: "60",
			OrderType: "MKT",
			TradedAt:  base.Add(time.Hour).UnixMilli(),
		},
	}
	if err := src.WriteSignals("momentum", records); err != nil {
		t.Fatalf("WriteSignals: %v", err)
	}

	rows, err := src.Collect(context.Background(), CollectOptions{Label: "momentum", Now: base.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Collect returned %d rows, want 2", len(rows))
	}

	first := rows[0]
	if !first.Quant.Equal(decimal.NewFromInt(100)) {
		t.Errorf("first.Quant = %s, want 100", first.Quant)
	}
	if !first.Limit.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("first.Limit = %s, want 12.50", first.Limit)
	}
	if !first.Stoploss.Equal(decimal.RequireFromString("11.00")) {
		t.Errorf("first.Stoploss = %s, want 11.00", first.Stoploss)
	}
	tp1, ok := first.Slots["tp1"]
	if !ok {
		t.Fatal("first row should carry the tp1 slot")
	}
	if !tp1.Quant.Equal(decimal.NewFromInt(50)) || tp1.Action != "SELL" {
		t.Errorf("tp1 = %+v, want SELL 50", tp1)
	}

	if !rows[1].TradedAt.After(rows[0].TradedAt) {
		t.Error("rows should come back time-ordered")
	}
}

func TestParquetSourceBeginKeepsLatestRow(t *testing.T) {
	src := NewParquetSource(t.TempDir())

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	records := []SignalRecord{
		{Symbol: "XYZ", Market: "NYSE", Action: "BUY", Quant: "100", Position: "100", TradedAt: base.UnixMilli()},
		{Symbol: "ABC", Market: "NYSE", Action: "BUY", Quant: "10", Position: "10", TradedAt: base.Add(48 * time.Hour).UnixMilli()},
	}
	if err := src.WriteSignals("mixed", records); err != nil {
		t.Fatalf("WriteSignals: %v", err)
	}

	// Begin after XYZ's only row: the row is stale but must survive as the
	// contract's current target.
	rows, err := src.Collect(context.Background(), CollectOptions{
		Label: "mixed",
		Begin: base.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Collect returned %d rows, want 2 (latest row per contract kept)", len(rows))
	}
}

func TestParquetSourceMissingFile(t *testing.T) {
	src := NewParquetSource(t.TempDir())
	if _, err := src.Collect(context.Background(), CollectOptions{Label: "nope"}); err == nil {
		t.Error("Collect should fail for a missing signal file")
	}
}

func TestParquetSourceRejectsBadDecimal(t *testing.T) {
	src := NewParquetSource(t.TempDir())
	records := []SignalRecord{
		{Symbol: "XYZ", Market: "NYSE", Action: "BUY", Quant: "not-a-number", Position: "0", TradedAt: time.Now().UnixMilli()},
	}
	if err := src.WriteSignals("bad", records); err != nil {
		t.Fatalf("WriteSignals: %v", err)
	}
	if _, err := src.Collect(context.Background(), CollectOptions{Label: "bad"}); err == nil {
		t.Error("Collect should reject unparseable decimal columns")
	}
}
