// Package scheduler arms recurring triggers. It never executes work itself:
// every firing enqueues into the priority task queue at background priority,
// so interactive work always wins when both compete for slots.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"wardenbot/internal/task/queue"
	logx "wardenbot/pkg/logx"
)

const enqueueWarnEvery = 30 * time.Second

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Job is the unit of scheduled work.
type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	sched   cron.Schedule
	timeout time.Duration
	job     Job
	opt     queue.TaskOptions
	entryID cron.EntryID

	// running gates overlap: a firing is skipped while the previous run of
	// the same definition is still queued or executing.
	running *atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	queue *queue.Service

	c    *cron.Cron
	defs []*jobDef

	// Enqueue error throttling, keyed by definition name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name string
	Next time.Time
	Prev time.Time
}

func New(cfg Config, q *queue.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		queue:       q,
		lastEnqWarn: map[string]time.Time{},
	}
}

// Daily registers a job firing at hour:minute every day.
func (s *Service) Daily(name string, hour, minute int, job Job) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("scheduler: invalid time %02d:%02d for %q", hour, minute, name)
	}
	return s.register(name, dailySchedule{hour: hour, minute: minute}, job)
}

// Every registers a fixed-interval job. The first firing is jittered so
// restarts do not align all interval jobs.
func (s *Service) Every(name string, every time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("scheduler: interval must be > 0 for %q", name)
	}
	sched, jitter := intervalScheduleWithSpread(every, time.Now(), name)
	if jitter > 0 {
		s.log.Debug("interval startup spread", logx.String("job", name), logx.Duration("jitter", jitter))
	}
	return s.register(name, sched, job)
}

// Rule registers one firing per subject on a shared period, staggered by
// subject index so subjects never fire simultaneously.
func (s *Service) Rule(name string, every, stagger time.Duration, subjects []string, job func(ctx context.Context, subject string) error) error {
	if every <= 0 {
		return fmt.Errorf("scheduler: rule period must be > 0 for %q", name)
	}
	for i, subject := range subjects {
		subject := subject
		offset := (time.Duration(i) * stagger) % every
		defName := name + ":" + subject
		err := s.register(defName, ruleSchedule{every: every, offset: offset}, func(ctx context.Context) error {
			return job(ctx, subject)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) register(name string, sched cron.Schedule, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("scheduler: job name required")
	}
	if job == nil {
		return fmt.Errorf("scheduler: job func required for %q", name)
	}

	def := &jobDef{
		name:    name,
		sched:   sched,
		job:     job,
		running: &atomic.Bool{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append(s.defs, def)
	if s.c != nil {
		s.armLocked(def)
	}
	return nil
}

// Start arms all registered definitions. Idempotent.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	for _, def := range s.defs {
		s.armLocked(def)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop stops triggering. Already-enqueued work keeps running in the queue.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) armLocked(def *jobDef) {
	def.entryID = s.c.Schedule(def.sched, cron.FuncJob(func() { s.fire(def) }))
}

// fire enqueues one run of def at background priority.
func (s *Service) fire(def *jobDef) {
	if !def.running.CompareAndSwap(false, true) {
		s.log.Debug("job skipped: previous run still active", logx.String("job", def.name))
		return
	}

	_, err := s.queue.Enqueue(queue.Task{
		Name:     def.name,
		Priority: queue.PriorityBackground,
		Timeout:  def.timeout,
		Opt:      def.opt,
		Run: func(ctx context.Context) error {
			defer def.running.Store(false)
			return def.job(ctx)
		},
	})
	if err != nil {
		def.running.Store(false)
		s.warnEnqueue(def.name, err)
	}
}

// warnEnqueue logs enqueue failures at most once per definition per window,
// so a stopped queue does not flood the log at trigger frequency.
func (s *Service) warnEnqueue(name string, err error) {
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if now.Sub(last) < enqueueWarnEvery {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule enqueue failed", logx.String("job", name), logx.Err(err))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Schedules returns trigger diagnostics for operators.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, def := range s.defs {
		e := s.c.Entry(def.entryID)
		out = append(out, ScheduleInfo{Name: def.name, Next: e.Next, Prev: e.Prev})
	}
	return out
}
