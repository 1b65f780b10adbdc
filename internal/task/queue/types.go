package queue

import (
	"context"
	"sync"
	"time"
)

// Priority orders waiting tasks. Higher starts first; ties dispatch in
// enqueue order. A task already running is never preempted.
type Priority int

const (
	// PriorityBackground is scheduled maintenance (sweeps, refreshes).
	PriorityBackground Priority = iota
	// PriorityCleanup is routine automated cleanup.
	PriorityCleanup
	// PriorityBulk is admin-triggered bulk work.
	PriorityBulk
	// PriorityInteractive is latency-sensitive user-triggered work.
	PriorityInteractive
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityCleanup:
		return "cleanup"
	case PriorityBulk:
		return "bulk"
	case PriorityInteractive:
		return "interactive"
	default:
		return "unknown"
	}
}

// Config controls the queue.
type Config struct {
	// MaxConcurrent caps simultaneously running tasks.
	MaxConcurrent int

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// LeaseGrace extends a task's lease beyond its timeout before the
	// reaper reclaims its slot.
	LeaseGrace time.Duration

	// ReapInterval is the lease sweep tick.
	ReapInterval time.Duration

	RetryMax    int
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Minute
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// TaskOptions is the per-task retry policy.
type TaskOptions struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax < 0 {
		o.RetryMax = 0
	} else if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Task is a unit of work owned by the queue from enqueue to settlement.
type Task struct {
	ID       string
	Name     string
	Priority Priority
	Timeout  time.Duration
	Run      func(ctx context.Context) error
	Opt      TaskOptions
}

// Handle is the caller's view of a queued task. It settles exactly once.
type Handle struct {
	id   string
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

func (h *Handle) ID() string { return h.id }

// Done is closed when the task settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the settlement error; it is only meaningful after Done.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the task settles or ctx is canceled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle records the result exactly once. Later calls (e.g. the work
// goroutine returning after a timeout or lease reap) are discarded.
func (h *Handle) settle(err error) bool {
	settled := false
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
		settled = true
	})
	return settled
}

// item is a waiting task plus its heap bookkeeping.
type item struct {
	task       Task
	opt        TaskOptions
	handle     *Handle
	seq        uint64
	enqueuedAt time.Time
}

// taskHeap orders by priority descending, then enqueue order.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*item)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// HistoryItem records one settled task for diagnostics.
type HistoryItem struct {
	ID         string
	Name       string
	Priority   Priority
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Priority   string        `json:"priority"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	MaxConcurrent int
	InFlight      int
	Waiting       int
	Reaped        uint64

	DefaultTimeout time.Duration
	LeaseGrace     time.Duration
	RetryMax       int

	History []HistoryItem
}
