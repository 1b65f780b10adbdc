// Package batch drives rate-limited, partially-concurrent iteration over a
// list of items (bulk deletes, mass role changes, member prunes).
//
// Items are split into contiguous groups; groups run concurrently up to the
// category's concurrency, items within a group strictly in order, and every
// item waits on the rate gate before executing.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"wardenbot/internal/executor"
	"wardenbot/internal/ratelimit"
	logx "wardenbot/pkg/logx"
)

// ErrInterrupted is returned (wrapped around the cause) when a
// transport-class failure stops a run early. The partial results slice is
// still returned alongside it.
var ErrInterrupted = errors.New("batch: run interrupted")

// Progress is invoked after every completed item, success or per-item
// failure. It is never invoked for items skipped by an interrupt.
type Progress func(percent float64, processed, total int)

type Runner struct {
	gate *ratelimit.Gate
	log  logx.Logger
}

func NewRunner(gate *ratelimit.Gate, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{gate: gate, log: log}
}

// Run processes items in category's rate/concurrency envelope.
//
// The result slice always has len(items) entries, in item order; entries are
// nil where the per-item action failed or was never reached. Ordinary action
// errors are recorded and the run continues. Transport-class errors
// (executor.IsTransport) set a sticky interrupt: no group pulls further
// items, in-flight items finish, and the caller receives the partial results
// together with an ErrInterrupted-wrapped cause.
func Run[I, R any](ctx context.Context, r *Runner, category string, items []I, action func(ctx context.Context, item I) (R, error), onProgress Progress) ([]*R, error) {
	total := len(items)
	results := make([]*R, total)
	if total == 0 {
		return results, nil
	}

	pol := r.gate.PolicyFor(category)
	conc := pol.Concurrency
	if conc > total {
		conc = total
	}
	// Groups hold ~concurrency items each; up to concurrency groups run at
	// once, so early items finish first and an interrupt leaves the tail
	// untouched.
	groupSize := conc
	groupCount := (total + groupSize - 1) / groupSize

	var (
		interrupted atomic.Bool
		causeOnce   sync.Once
		cause       error
		processed   atomic.Int64
		failed      atomic.Int64
		nextGroup   atomic.Int64
		wg          sync.WaitGroup
	)

	step := func(gctx context.Context, idx int) {
		if err := r.gate.Admit(gctx, category); err != nil {
			causeOnce.Do(func() { cause = err })
			interrupted.Store(true)
			return
		}
		res, err := action(gctx, items[idx])
		if err != nil {
			if executor.IsTransport(err) {
				causeOnce.Do(func() { cause = err })
				interrupted.Store(true)
				r.log.Warn("batch interrupted",
					logx.String("category", category),
					logx.Int("index", idx),
					logx.Err(err))
				return
			}
			failed.Add(1)
			r.log.Debug("batch item failed",
				logx.String("category", category),
				logx.Int("index", idx),
				logx.Err(err))
		} else {
			results[idx] = &res
		}
		done := int(processed.Add(1))
		if onProgress != nil {
			onProgress(float64(done)/float64(total)*100, done, total)
		}
	}

	for w := 0; w < conc; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if interrupted.Load() {
					return
				}
				g := int(nextGroup.Add(1)) - 1
				if g >= groupCount {
					return
				}
				lo := g * groupSize
				hi := lo + groupSize
				if hi > total {
					hi = total
				}
				// Items within a group run strictly in order.
				for i := lo; i < hi; i++ {
					if interrupted.Load() {
						return
					}
					step(ctx, i)
				}
			}
		}()
	}
	wg.Wait()

	if interrupted.Load() {
		return results, fmt.Errorf("%w after %d/%d items: %w", ErrInterrupted, processed.Load(), total, cause)
	}
	r.log.Debug("batch finished",
		logx.String("category", category),
		logx.Int("total", total),
		logx.Int64("failed", failed.Load()))
	return results, nil
}
