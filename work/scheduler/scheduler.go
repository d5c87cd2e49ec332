// Package scheduler drains a priority queue in concurrency-bounded batches and
// streams results as they become known.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"kptv-failover/work/logger"
	"kptv-failover/work/metrics"
	"kptv-failover/work/priority"
	"kptv-failover/work/types"

	"github.com/panjf2000/ants/v2"
)

// Mode selects the early-termination policy.
type Mode string

const (
	ModeFast          Mode = "fast"          // stop after the first available result
	ModeBalanced      Mode = "balanced"      // stop once enough sources are available
	ModeComprehensive Mode = "comprehensive" // test everything, then list the failures too
)

// ParseMode accepts the three mode names; anything else is an error.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFast, ModeBalanced, ModeComprehensive:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown selection mode %q", s)
	}
}

// Defaults used when Options leaves a field at zero.
const (
	DefaultMaxConcurrency = 6 // probes per batch
	DefaultMinAvailable   = 3 // available sources that end a balanced run
)

// Options for one run.
type Options struct {
	Mode           Mode // stop policy; balanced when empty
	MaxConcurrency int  // batch size, and so the probe concurrency bound
	MinAvailable   int  // balanced mode stops at this many available

	// Target, when set, replaces the mode's stop rules: the run ends once
	// Target sources are available or the queue is empty.
	Target int
}

func (o *Options) setDefaults() {
	if o.Mode == "" {
		o.Mode = ModeBalanced
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.MinAvailable <= 0 {
		o.MinAvailable = DefaultMinAvailable
	}
}

// Tester is the prober as seen by the scheduler.
type Tester interface {
	Test(ctx context.Context, url string, callerPriority float64) types.LayeredTestResult
}

// Scheduler runs probe batches on a shared worker pool.
type Scheduler struct {
	tester Tester
	pool   *ants.Pool
}

// New creates a scheduler. A nil pool runs each probe on its own goroutine.
func New(tester Tester, pool *ants.Pool) *Scheduler {
	return &Scheduler{tester: tester, pool: pool}
}

// submit runs task on the pool. A closed or saturated pool must not lose a
// probe, so the task falls back to a plain goroutine.
func (s *Scheduler) submit(task func()) {
	if s.pool != nil {
		err := s.pool.Submit(task)
		if err == nil {
			return
		}
		logger.Warn("{scheduler - submit} worker pool rejected task, using a plain goroutine: %v", err)
	}
	go task()
}

// Run drains q and returns a forward-only stream of results. The channel is
// closed when the policy says stop, the queue is empty, or ctx is cancelled.
//
// Candidates leave the queue strictly in priority order; within a batch the
// results arrive in completion order. A batch that has started is always
// awaited in full, even after the consumer went away, so every probe still
// lands in the performance store. Probes are detached from ctx for the same
// reason and only obey their own timeouts.
func (s *Scheduler) Run(ctx context.Context, q *priority.Queue, opts Options) <-chan types.SourceResult {
	opts.setDefaults()
	out := make(chan types.SourceResult)
	probeCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(out)

		total := q.Len()
		tested, available := 0, 0
		consumerGone := false
		var failures []types.SourceResult

		send := func(r types.SourceResult) {
			if consumerGone {
				return
			}
			select {
			case out <- r:
				metrics.SelectionResults.WithLabelValues(string(opts.Mode)).Inc()
			case <-ctx.Done():
				consumerGone = true
			}
		}

		for !consumerGone && ctx.Err() == nil {
			batch := q.DequeueBatch(opts.MaxConcurrency)
			if len(batch) == 0 {
				break
			}

			stop := false
			for r := range s.runBatch(probeCtx, batch) {
				tested++
				if r.Available {
					available++
				}
				if stop {
					continue
				}

				if r.Available {
					send(r)
				} else if opts.Mode == ModeComprehensive {
					failures = append(failures, r)
				}

				if shouldStop(opts, tested, available, total) {
					stop = true
				}
			}

			logger.Debug("{scheduler - Run} batch of %d done: tested=%d/%d available=%d", len(batch), tested, total, available)
			if stop {
				return
			}
		}

		if opts.Mode == ModeComprehensive {
			for _, r := range failures {
				send(r)
			}
		}
	}()

	return out
}

// runBatch probes every item concurrently; the returned channel closes once
// all of them resolved.
func (s *Scheduler) runBatch(ctx context.Context, batch []priority.Item) <-chan types.SourceResult {
	results := make(chan types.SourceResult, len(batch))

	var wg sync.WaitGroup
	for _, it := range batch {
		it := it
		wg.Add(1)
		s.submit(func() {
			defer wg.Done()
			url := it.Candidate.URL()
			test := s.tester.Test(ctx, url, it.Score)
			results <- types.SourceResult{
				Candidate:     it.Candidate,
				URL:           url,
				PriorityScore: it.Score,
				Available:     test.Available,
				Score:         test.FinalScore,
				Test:          test,
			}
		})
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// shouldStop applies the run's stop policy after each result:
//   - Target set: stop at Target available
//   - fast: stop at the first available
//   - balanced: stop at MinAvailable, or once half the queue is tested with at
//     least two available
//   - comprehensive: never stop early
func shouldStop(opts Options, tested, available, total int) bool {
	if opts.Target > 0 {
		return available >= opts.Target
	}
	switch opts.Mode {
	case ModeFast:
		return available >= 1
	case ModeBalanced:
		if available >= opts.MinAvailable {
			return true
		}
		return tested*2 >= total && available >= 2
	default:
		return false
	}
}

// Collect drains a result stream into a slice, blocking until the stream is
// closed.
func Collect(ch <-chan types.SourceResult) []types.SourceResult {
	var out []types.SourceResult
	for r := range ch {
		out = append(out, r)
	}
	return out
}
