// Package replicate converges a broker account toward the desired portfolio
// state described by strategy signal rows. Each run reads the broker's
// positions and working orders, folds the signal rows into per-contract
// targets, and posts the minimal set of order mutations that closes the gap.
// The broker's own order book is the only durable state between runs, so a
// rerun after a crash simply picks up where the last one left off.
package replicate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradesync/internal/broker"
	"tradesync/internal/domain"
	"tradesync/internal/signal"
	"tradesync/internal/util"
)

// Recorder persists an audit trail of runs. A nil Recorder disables
// auditing; it never affects what gets submitted.
type Recorder interface {
	RecordRun(ctx context.Context, run *RunRecord) error
}

// RunRecord is the audit row describing one reconciliation run.
type RunRecord struct {
	ID        string          `json:"id"`
	Label     string          `json:"label"`
	Asof      time.Time       `json:"asof"`
	DryRun    bool            `json:"dry_run"`
	Mutations int             `json:"mutations"`
	Posted    []*domain.Order `json:"posted,omitempty"`
	Failures  int             `json:"failures"`
	Error     string          `json:"error,omitempty"`
}

// Replicator wires the collaborators of a reconciliation run together.
type Replicator struct {
	broker   broker.Broker
	source   signal.Source
	recorder Recorder
	log      *slog.Logger
	limiter  *util.RateLimiter
}

func New(b broker.Broker, src signal.Source, rec Recorder, limiter *util.RateLimiter, log *slog.Logger) *Replicator {
	if log == nil {
		log = slog.Default()
	}
	return &Replicator{broker: b, source: src, recorder: rec, limiter: limiter, log: log}
}

// Run executes one reconciliation cycle and returns the orders the broker
// accepted (or, for dry runs, the mutations that would have been posted).
// The snapshot reads happen concurrently against a single now; the diff is
// pure; submission is the only side effect and is skipped if the context was
// cancelled by the time the diff is ready.
func (r *Replicator) Run(ctx context.Context, opts Options) ([]*domain.Order, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := r.log.With("label", opts.Label, "broker", r.broker.Name())
	log.Info("reconciliation started", "now", opts.Now, "dry_run", opts.DryRun)

	snap, err := r.snapshot(ctx, opts)
	if err != nil {
		return nil, err
	}

	for _, bal := range snap.balances {
		if opts.Currency != "" && bal.Currency != opts.Currency {
			continue
		}
		log.Debug("account balance", "currency", bal.Currency, "net", bal.Net.String())
	}

	if err := r.fillContractGaps(ctx, snap.rows); err != nil {
		return nil, err
	}
	desired := BuildDesired(snap.rows, opts)
	actual, failures := BuildActual(snap.positions, snap.orders, desired, opts, log)
	for _, f := range failures {
		log.Error("contract skipped", "contract", f.Contract.String(), "err", f.Err)
	}

	mutations := r.diff(desired, actual, opts, log)
	mutations = Combine(NestOrders(snap.orders), mutations, log)
	mutations = Attach(mutations)

	// Interruption is honored between computing the diff and submitting:
	// either the whole batch goes out or none of it does.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	posted, submitErr := NewSubmitter(r.broker, r.limiter, log).Submit(ctx, mutations, opts)

	runErr := submitErr
	if runErr == nil && len(failures) > 0 && !opts.IgnoreErrors {
		runErr = &SubmitError{Failures: failures}
	} else if se, ok := runErr.(*SubmitError); ok && len(failures) > 0 {
		se.Failures = append(failures, se.Failures...)
	}

	r.record(ctx, opts, mutations, posted, len(failures), runErr)
	log.Info("reconciliation finished",
		"mutations", len(mutations), "posted", len(posted), "failed_contracts", len(failures))
	return posted, runErr
}

type snapshotData struct {
	balances  []domain.Balance
	positions []domain.PositionRow
	orders    []*domain.Order
	rows      []signal.Row
}

// snapshot reads the three broker views and the signal rows concurrently,
// all against the run's single now.
func (r *Replicator) snapshot(ctx context.Context, opts Options) (*snapshotData, error) {
	var (
		snap snapshotData
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	run("balances", func() (err error) {
		snap.balances, err = r.broker.Balances(ctx, opts.Now)
		return
	})
	run("positions", func() (err error) {
		snap.positions, err = r.broker.Positions(ctx, opts.Now)
		return
	})
	run("orders", func() (err error) {
		snap.orders, err = r.broker.Orders(ctx, opts.Now)
		return
	})
	run("signals", func() (err error) {
		snap.rows, err = r.source.Collect(ctx, signal.CollectOptions{
			Label: opts.Label,
			Begin: opts.Begin,
			Now:   opts.Now,
		})
		return
	})
	wg.Wait()
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return &snap, nil
}

// fillContractGaps resolves metadata the signal rows left blank. Lookups go
// through the broker so multipliers and currencies match what the order
// router expects.
func (r *Replicator) fillContractGaps(ctx context.Context, rows []signal.Row) error {
	cache := make(map[domain.ContractKey]*domain.Contract)
	for i := range rows {
		row := &rows[i]
		if row.Currency != "" && row.SecurityType != "" && !row.Multiplier.IsZero() {
			continue
		}
		key := row.Contract()
		c, ok := cache[key]
		if !ok {
			var err error
			c, err = r.broker.Lookup(ctx, row.Symbol, row.Market)
			if err != nil {
				return fmt.Errorf("lookup %s: %w", key, err)
			}
			cache[key] = c
		}
		if c == nil {
			continue
		}
		if row.Currency == "" {
			row.Currency = c.Currency
		}
		if row.SecurityType == "" {
			row.SecurityType = c.SecurityType
		}
		if row.Multiplier.IsZero() {
			row.Multiplier = c.Multiplier
		}
		if row.MinTick.IsZero() {
			row.MinTick = c.MinTick
		}
	}
	return nil
}

// diff reconciles every contract in the union of desired and actual states.
// Broker positions with no desired state are flattened when the run is
// allowed to touch their market, otherwise they are only reported.
func (r *Replicator) diff(desired, actual map[domain.ContractKey]*domain.Position, opts Options, log *slog.Logger) []*domain.Order {
	keys := make([]domain.ContractKey, 0, len(desired))
	seen := make(map[domain.ContractKey]bool, len(desired))
	for key := range desired {
		keys = append(keys, key)
		seen[key] = true
	}
	for key, have := range actual {
		if seen[key] {
			continue
		}
		if have.Position.IsZero() && have.Adjustment == nil && have.Stoploss == nil && len(have.Working) == 0 {
			continue
		}
		if !opts.CloseUnknown || !marketAllowed(key.Market, opts.Markets) {
			log.Warn("unknown position left alone",
				"contract", key.String(), "position", have.Position.String())
			continue
		}
		log.Info("flattening unknown position",
			"contract", key.String(), "position", have.Position.String())
		keys = append(keys, key)
		seen[key] = true
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var mutations []*domain.Order
	for _, key := range keys {
		mutations = append(mutations, Reconcile(desired[key], actual[key], opts, log)...)
	}
	return mutations
}

func marketAllowed(market string, markets []string) bool {
	if len(markets) == 0 {
		return true
	}
	for _, m := range markets {
		if m == market {
			return true
		}
	}
	return false
}

func (r *Replicator) record(ctx context.Context, opts Options, mutations, posted []*domain.Order, failed int, runErr error) {
	if r.recorder == nil {
		return
	}
	rec := &RunRecord{
		Label:     opts.Label,
		Asof:      opts.Now,
		DryRun:    opts.DryRun,
		Mutations: len(mutations),
		Posted:    posted,
		Failures:  failed,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := r.recorder.RecordRun(ctx, rec); err != nil {
		r.log.Warn("audit record failed", "err", err)
	}
}
