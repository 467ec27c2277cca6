package replicate

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"tradesync/internal/broker"
	"tradesync/internal/domain"
	"tradesync/internal/util"
)

// Submitter posts mutation batches to a broker. Contracts are independent,
// so their batches go out concurrently; within one contract the mutations
// stay strictly ordered so cancellations land before replacements.
type Submitter struct {
	broker  broker.Broker
	limiter *util.RateLimiter
	log     *slog.Logger
}

func NewSubmitter(b broker.Broker, limiter *util.RateLimiter, log *slog.Logger) *Submitter {
	if log == nil {
		log = slog.Default()
	}
	return &Submitter{broker: b, limiter: limiter, log: log}
}

// Submit posts the mutations and returns every order the broker accepted.
// One contract failing does not stop the others; the failures come back
// aggregated in a SubmitError alongside whatever was posted.
func (s *Submitter) Submit(ctx context.Context, mutations []*domain.Order, opts Options) ([]*domain.Order, error) {
	if opts.DryRun {
		return mutations, nil
	}

	batches := make(map[domain.ContractKey][]*domain.Order)
	keys := make([]domain.ContractKey, 0)
	for _, m := range mutations {
		key := submitKey(m)
		if _, ok := batches[key]; !ok {
			keys = append(keys, key)
		}
		batches[key] = append(batches[key], m)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		posted   []*domain.Order
		failures []ContractFailure
	)
	for _, key := range keys {
		wg.Add(1)
		go func(key domain.ContractKey, batch []*domain.Order) {
			defer wg.Done()
			ok, err := s.submitBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			posted = append(posted, ok...)
			if err != nil {
				failures = append(failures, ContractFailure{Contract: key, Err: err})
			}
		}(key, batches[key])
	}
	wg.Wait()

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool {
			return failures[i].Contract.String() < failures[j].Contract.String()
		})
		if opts.IgnoreErrors {
			for _, f := range failures {
				s.log.Warn("submit failed", "contract", f.Contract.String(), "err", f.Err)
			}
			return posted, nil
		}
		return posted, &SubmitError{Failures: failures}
	}
	return posted, nil
}

// submitBatch runs one contract's mutations in order, stopping at the first
// failure so a cancelled slot is never resubmitted blind.
func (s *Submitter) submitBatch(ctx context.Context, batch []*domain.Order) ([]*domain.Order, error) {
	var posted []*domain.Order
	for _, m := range batch {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return posted, err
			}
		}
		accepted, err := s.broker.Submit(ctx, m)
		if err != nil {
			return posted, err
		}
		posted = append(posted, accepted...)
		s.log.Info("order posted",
			"action", string(m.Action), "ref", m.OrderRef,
			"contract", submitKey(m).String(), "quant", m.Quant.String())
	}
	return posted, nil
}

// submitKey groups a mutation for submission. A combo has no contract of its
// own, so its first leg stands in for it.
func submitKey(m *domain.Order) domain.ContractKey {
	if m.Symbol == "" && len(m.Attached) > 0 {
		return m.Attached[0].Contract()
	}
	return m.Contract()
}
