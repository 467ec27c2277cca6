package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
	"tradesync/internal/replicate"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRecordAndListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	asof := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	run := &replicate.RunRecord{
		Label:     "alpha",
		Asof:      asof,
		Mutations: 2,
		Posted: []*domain.Order{{
			Action:    domain.ActionBuy,
			Quant:     decimal.NewFromInt(100),
			OrderType: domain.OrderTypeMarket,
			TIF:       domain.TIFDay,
			OrderRef:  "MKT.alpha.XYZ.NYSE",
			Symbol:    "XYZ",
			Market:    "NYSE",
			Status:    domain.StatusWorking,
		}},
	}
	if err := s.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if run.ID == "" {
		t.Fatal("RecordRun should assign a run id")
	}

	runs, err := s.ListRuns(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	got := runs[0]
	if got.ID != run.ID || got.Label != "alpha" || got.Posted != 1 || got.Mutations != 2 {
		t.Errorf("run = %+v", got)
	}
	if !got.Asof.Equal(asof) {
		t.Errorf("asof = %s, want %s", got.Asof, asof)
	}

	// A different label filter returns nothing; empty matches everything.
	if runs, _ := s.ListRuns(ctx, "beta", 10); len(runs) != 0 {
		t.Errorf("beta runs = %d, want 0", len(runs))
	}
	if runs, _ := s.ListRuns(ctx, "", 10); len(runs) != 1 {
		t.Errorf("all runs = %d, want 1", len(runs))
	}
}

func TestSQLiteStoreListPostedOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &replicate.RunRecord{
		Label: "alpha",
		Asof:  time.Now().UTC(),
		Posted: []*domain.Order{
			{
				Action: domain.ActionBuy, Quant: decimal.NewFromInt(100),
				OrderType: domain.OrderTypeMarket, OrderRef: "MKT.a",
				Symbol: "XYZ", Market: "NYSE", Status: domain.StatusWorking,
			},
			{
				Action: domain.ActionSell, Quant: decimal.NewFromInt(100),
				OrderType: domain.OrderTypeStop, Stop: decimal.NewFromInt(90),
				OrderRef: "STP.a", AttachRef: "MKT.a",
				Symbol: "XYZ", Market: "NYSE", Status: domain.StatusWorking,
			},
		},
	}
	if err := s.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	orders, err := s.ListPostedOrders(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListPostedOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	if orders[0].OrderRef != "MKT.a" || orders[1].OrderRef != "STP.a" {
		t.Errorf("order refs = %q, %q; insertion order lost", orders[0].OrderRef, orders[1].OrderRef)
	}
	if orders[1].AttachRef != "MKT.a" {
		t.Errorf("attach ref = %q, want MKT.a", orders[1].AttachRef)
	}
	if orders[0].Quant != "100" {
		t.Errorf("quant = %q, want 100", orders[0].Quant)
	}
}

func TestSQLiteStoreRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		run := &replicate.RunRecord{Label: "alpha", Asof: time.Now().UTC().Add(time.Duration(i) * time.Minute)}
		if err := s.RecordRun(ctx, run); err != nil {
			t.Fatalf("RecordRun %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	runs, err := s.ListRuns(ctx, "alpha", 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want limit 2", len(runs))
	}
	if !runs[0].CreatedAt.After(runs[1].CreatedAt) {
		t.Errorf("runs not newest first: %s then %s", runs[0].CreatedAt, runs[1].CreatedAt)
	}
}
