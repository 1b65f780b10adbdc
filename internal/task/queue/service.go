// Package queue is the single choke point for outbound side-effecting work:
// a bounded-concurrency in-memory scheduler with priority ordering, per-task
// timeouts, and a lease-based reaper that reclaims slots from stuck tasks
// individually.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wardenbot/internal/eventbus"
	logx "wardenbot/pkg/logx"
)

type runningTask struct {
	it      *item
	started time.Time
	lease   time.Time
	cancel  context.CancelFunc
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	waiting  taskHeap
	running  map[string]*runningTask
	inFlight int

	baseCtx context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup

	seq    uint64
	idSeq  uint64
	reaped atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		running: make(map[string]*runningTask),
	}
}

// Start arms the lease reaper. Enqueue works before Start, but stuck tasks
// are only reaped once started.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.baseCtx != nil {
		s.mu.Unlock()
		return
	}
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	interval := s.cfg.ReapInterval
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reapLoop(interval)
	}()

	s.log.Info("task queue started",
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.Duration("default_timeout", s.cfg.DefaultTimeout),
		logx.Duration("reap_interval", interval))
}

// Stop cancels all running work contexts and settles waiting tasks with
// ErrStopped. It waits (bounded by ctx) for the reaper to exit.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	drained := s.waiting
	s.waiting = nil
	s.mu.Unlock()

	for _, it := range drained {
		it.handle.settle(ErrStopped)
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("task queue stopped", logx.Int("dropped_waiting", len(drained)))
	case <-ctx.Done():
		s.log.Warn("task queue stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue accepts a task and returns a handle that settles exactly once with
// the task's outcome. Higher-priority tasks start first whenever a slot
// frees; ties dispatch in enqueue order.
func (s *Service) Enqueue(t Task) (*Handle, error) {
	if t.Run == nil {
		return nil, fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return nil, fmt.Errorf("task Name is required")
	}
	t.Name = name

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}
	if t.Timeout <= 0 {
		t.Timeout = s.cfg.DefaultTimeout
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.seq++
	it := &item{
		task:       t,
		opt:        t.Opt.withDefaults(s.cfg),
		handle:     newHandle(t.ID),
		seq:        s.seq,
		enqueuedAt: now,
	}
	heap.Push(&s.waiting, it)
	s.dispatchLocked()
	s.mu.Unlock()

	return it.handle, nil
}

// dispatchLocked starts waiting tasks while slots are free. Caller holds mu.
func (s *Service) dispatchLocked() {
	for s.inFlight < s.cfg.MaxConcurrent && s.waiting.Len() > 0 {
		it := heap.Pop(&s.waiting).(*item)
		now := time.Now()

		base := s.baseCtx
		if base == nil {
			base = context.Background()
		}
		runCtx, cancel := context.WithTimeout(base, it.task.Timeout)

		r := &runningTask{
			it:      it,
			started: now,
			lease:   now.Add(it.task.Timeout + s.cfg.LeaseGrace),
			cancel:  cancel,
		}
		s.running[it.task.ID] = r
		s.inFlight++

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(runCtx, r)
		}()
	}
}

func (s *Service) execute(runCtx context.Context, r *runningTask) {
	it := r.it
	queueDelay := r.started.Sub(it.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.log.Debug("task.started",
		logx.String("task", it.task.Name),
		logx.String("priority", it.task.Priority.String()),
		logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, TaskEvent{
		ID: it.task.ID, Name: it.task.Name, Priority: it.task.Priority.String(),
		Started: r.started, QueueDelay: queueDelay,
	})

	done := make(chan result, 1)
	go func() {
		attempts, err := s.runAttempts(runCtx, it)
		done <- result{attempts: attempts, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-runCtx.Done():
		if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			s.finish(r, queueDelay, result{err: ErrStopped})
			return
		}
		// Deadline. Settle the waiter now, but keep the slot: the work
		// goroutine may still be mid remote call, and freeing the slot here
		// would let more than MaxConcurrent calls hit the platform at once.
		// The slot frees when the canceled work returns, or at lease expiry
		// via the reaper if it never does.
		s.reportTimeout(r, queueDelay)

		s.mu.Lock()
		base := s.baseCtx
		s.mu.Unlock()
		var stop <-chan struct{}
		if base != nil {
			stop = base.Done()
		}
		select {
		case res = <-done:
		case <-stop:
			res = result{err: ErrStopped}
		}
	}

	s.finish(r, queueDelay, res)
}

// reportTimeout settles a task at its deadline while its work function is
// still running. Only the first settle reports; the later finish (or reap)
// sees the handle already settled and stays quiet.
func (s *Service) reportTimeout(r *runningTask, queueDelay time.Duration) {
	it := r.it
	if !it.handle.settle(ErrTaskTimeout) {
		return
	}
	dur := time.Since(r.started)
	s.log.Warn(string(eventbus.TaskTimeout),
		logx.String("task", it.task.Name),
		logx.Err(ErrTaskTimeout),
		logx.Duration("dur", dur))
	s.publish(eventbus.TaskTimeout, TaskEvent{
		ID: it.task.ID, Name: it.task.Name, Priority: it.task.Priority.String(),
		Started: r.started, QueueDelay: queueDelay, Duration: dur,
		Error: ErrTaskTimeout.Error(),
	})
	s.record(HistoryItem{
		ID: it.task.ID, Name: it.task.Name, Priority: it.task.Priority,
		Started: r.started, QueueDelay: queueDelay, Duration: dur,
		Error: ErrTaskTimeout.Error(),
	})
}

type result struct {
	attempts int
	err      error
}

// runAttempts executes the task with its retry policy. Panics are converted
// to errors so one bad task can't kill a slot.
func (s *Service) runAttempts(ctx context.Context, it *item) (int, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(it.seq)<<21))

	var err error
	maxAttempts := 1 + it.opt.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("panic: %v", rec)
					s.log.Error("task.panic",
						logx.String("task", it.task.Name),
						logx.Any("panic", rec),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			err = it.task.Run(ctx)
		}()
		if err == nil {
			return attempt, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempt, nr.err
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			return attempt, err
		}

		delay := backoffDelay(it.opt, attempt, err, rng)
		if delay > 0 {
			s.log.Debug("task retry scheduled",
				logx.String("task", it.task.Name),
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay),
				logx.Err(err))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return attempt, ctx.Err()
			case <-tmr.C:
			}
		}
	}
	return maxAttempts, err
}

func (s *Service) finish(r *runningTask, queueDelay time.Duration, res result) {
	it := r.it
	dur := time.Since(r.started)

	settled := it.handle.settle(res.err)

	s.mu.Lock()
	if cur, ok := s.running[it.task.ID]; ok && cur == r {
		delete(s.running, it.task.ID)
		s.inFlight--
	}
	r.cancel()
	s.dispatchLocked()
	s.mu.Unlock()

	if !settled {
		// Already settled at the deadline or by the reaper; this call only
		// had to free the slot.
		return
	}

	ev := TaskEvent{
		ID: it.task.ID, Name: it.task.Name, Priority: it.task.Priority.String(),
		Started: r.started, QueueDelay: queueDelay, Duration: dur, Attempts: res.attempts,
	}
	if res.err != nil {
		ev.Error = res.err.Error()
		typ := eventbus.TaskFailed
		if errors.Is(res.err, ErrTaskTimeout) {
			typ = eventbus.TaskTimeout
		}
		s.log.Warn(string(typ),
			logx.String("task", it.task.Name),
			logx.Err(res.err),
			logx.Duration("dur", dur),
			logx.Int("attempts", res.attempts))
		s.publish(typ, ev)
	} else {
		s.log.Debug("task.completed",
			logx.String("task", it.task.Name),
			logx.Duration("queue_delay", queueDelay),
			logx.Duration("dur", dur),
			logx.Int("attempts", res.attempts))
		s.publish(eventbus.TaskFinished, ev)
	}

	s.record(HistoryItem{
		ID: it.task.ID, Name: it.task.Name, Priority: it.task.Priority,
		Started: r.started, QueueDelay: queueDelay, Duration: dur,
		Attempts: res.attempts, Error: ev.Error,
	})
}

// reapLoop reclaims slots from tasks whose lease expired. Each expired task
// is settled and freed individually; healthy tasks are untouched.
func (s *Service) reapLoop(interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case now := <-tick.C:
			s.reapExpired(now)
		}
	}
}

func (s *Service) reapExpired(now time.Time) {
	s.mu.Lock()
	var expired []*runningTask
	for id, r := range s.running {
		if now.After(r.lease) {
			expired = append(expired, r)
			delete(s.running, id)
			s.inFlight--
		}
	}
	if len(expired) > 0 {
		s.dispatchLocked()
	}
	s.mu.Unlock()

	for _, r := range expired {
		r.cancel()
		r.it.handle.settle(ErrLeaseExpired)
		s.reaped.Add(1)
		s.log.Warn("task.reaped",
			logx.String("task", r.it.task.Name),
			logx.String("id", r.it.task.ID),
			logx.Time("lease", r.lease))
		s.publish(eventbus.TaskReaped, TaskEvent{
			ID: r.it.task.ID, Name: r.it.task.Name,
			Priority: r.it.task.Priority.String(),
			Started:  r.started, Duration: now.Sub(r.started),
			Error: ErrLeaseExpired.Error(),
		})
		s.record(HistoryItem{
			ID: r.it.task.ID, Name: r.it.task.Name, Priority: r.it.task.Priority,
			Started: r.started, Duration: now.Sub(r.started),
			Error: ErrLeaseExpired.Error(),
		})
	}
}

func (s *Service) publish(kind eventbus.Kind, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: kind, Time: time.Now(), Data: ev})
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	inFlight := s.inFlight
	waiting := s.waiting.Len()
	cfg := s.cfg
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		MaxConcurrent:  cfg.MaxConcurrent,
		InFlight:       inFlight,
		Waiting:        waiting,
		Reaped:         s.reaped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		LeaseGrace:     cfg.LeaseGrace,
		RetryMax:       cfg.RetryMax,
		History:        h,
	}
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func backoffDelay(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	// Respect explicit retry-after hints from the platform.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < retry; i++ {
			d *= 2
			if d > opt.RetryMaxDelay {
				break
			}
		}
	}
	if d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
		}
	}
	return d
}
