package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradesync/internal/replicate"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ RunStore = (*SQLiteStore)(nil)
var _ replicate.Recorder = (*SQLiteStore)(nil)

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL,
	asof       TIMESTAMP NOT NULL,
	dry_run    INTEGER NOT NULL,
	mutations  INTEGER NOT NULL,
	posted     INTEGER NOT NULL,
	failures   INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_label_created ON runs(label, created_at DESC);

CREATE TABLE IF NOT EXISTS posted_orders (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	order_ref  TEXT NOT NULL,
	attach_ref TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	quant      TEXT NOT NULL,
	order_type TEXT NOT NULL,
	lmt        TEXT NOT NULL DEFAULT '',
	stp        TEXT NOT NULL DEFAULT '',
	tif        TEXT NOT NULL DEFAULT '',
	symbol     TEXT NOT NULL,
	market     TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posted_orders_run ON posted_orders(run_id);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// RecordRun persists the run and every posted order in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *replicate.RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, label, asof, dry_run, mutations, posted, failures, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Label, run.Asof.UTC(), boolInt(run.DryRun),
		run.Mutations, len(run.Posted), run.Failures, run.Error, now)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, o := range run.Posted {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO posted_orders (run_id, order_ref, attach_ref, action, quant, order_type, lmt, stp, tif, symbol, market, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, o.OrderRef, o.AttachRef, string(o.Action), o.Quant.String(),
			string(o.OrderType), o.Limit.String(), o.Stop.String(), string(o.TIF),
			o.Symbol, o.Market, string(o.Status), now)
		if err != nil {
			return fmt.Errorf("insert posted order %q: %w", o.OrderRef, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first. An empty label
// matches all labels.
func (s *SQLiteStore) ListRuns(ctx context.Context, label string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, asof, dry_run, mutations, posted, failures, error, created_at
		 FROM runs
		 WHERE (? = '' OR label = ?)
		 ORDER BY created_at DESC
		 LIMIT ?`, label, label, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var dry int
		if err := rows.Scan(&r.ID, &r.Label, &r.Asof, &dry, &r.Mutations, &r.Posted, &r.Failures, &r.Error, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.DryRun = dry != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPostedOrders returns the orders posted by one run, in insertion order.
func (s *SQLiteStore) ListPostedOrders(ctx context.Context, runID string) ([]PostedOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, order_ref, attach_ref, action, quant, order_type, lmt, stp, tif, symbol, market, status, created_at
		 FROM posted_orders
		 WHERE run_id = ?
		 ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostedOrder
	for rows.Next() {
		var o PostedOrder
		if err := rows.Scan(&o.RunID, &o.OrderRef, &o.AttachRef, &o.Action, &o.Quant, &o.OrderType, &o.Limit, &o.Stop, &o.TIF, &o.Symbol, &o.Market, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
