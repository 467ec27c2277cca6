// Package store defines storage interfaces for the reconciliation audit
// trail: which runs happened, what they decided, and which orders were
// posted. The engine itself is stateless between runs; this trail exists for
// operators, not for correctness.
package store

import (
	"context"
	"time"

	"tradesync/internal/replicate"
)

// RunSummary is one persisted reconciliation run.
type RunSummary struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Asof      time.Time `json:"asof"`
	DryRun    bool      `json:"dry_run"`
	Mutations int       `json:"mutations"`
	Posted    int       `json:"posted"`
	Failures  int       `json:"failures"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PostedOrder is one order the broker accepted during a run.
type PostedOrder struct {
	RunID     string    `json:"run_id"`
	OrderRef  string    `json:"order_ref"`
	AttachRef string    `json:"attach_ref,omitempty"`
	Action    string    `json:"action"`
	Quant     string    `json:"quant"`
	OrderType string    `json:"order_type"`
	Limit     string    `json:"limit,omitempty"`
	Stop      string    `json:"stop,omitempty"`
	TIF       string    `json:"tif,omitempty"`
	Symbol    string    `json:"symbol"`
	Market    string    `json:"market"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStore persists and retrieves reconciliation runs.
type RunStore interface {
	// RecordRun persists a run summary and its posted orders atomically.
	RecordRun(ctx context.Context, run *replicate.RunRecord) error

	// ListRuns returns the most recent runs, newest first, up to limit.
	ListRuns(ctx context.Context, label string, limit int) ([]RunSummary, error)

	// ListPostedOrders returns the orders posted by one run.
	ListPostedOrders(ctx context.Context, runID string) ([]PostedOrder, error)

	// Close releases the underlying storage.
	Close() error
}
