// Package lockkeeper provides keyed, process-local mutual exclusion for
// thread- and guild-scoped targets.
//
// Locks are created on first use and retained for the life of the process;
// the key space (guilds and threads the bot moderates) is small enough that
// this never matters. Waiters are granted strictly in arrival order.
package lockkeeper

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "wardenbot/pkg/logx"
)

// ErrLockTimeout is returned by Do/DoPair when acquisition fails within the
// budget. Callers distinguish it from critical-section errors to decide
// whether to retry or abandon.
var ErrLockTimeout = errors.New("lockkeeper: acquisition timed out")

type waiter struct {
	ch chan struct{}
}

type lock struct {
	held    bool
	waiters []*waiter
}

type Config struct {
	// DefaultTimeout is used when Acquire is called with timeout <= 0.
	DefaultTimeout time.Duration
}

type Keeper struct {
	mu    sync.Mutex
	locks map[string]*lock

	defTimeout time.Duration
	log        logx.Logger
}

func New(cfg Config, log logx.Logger) *Keeper {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Keeper{
		locks:      make(map[string]*lock),
		defTimeout: cfg.DefaultTimeout,
		log:        log,
	}
}

// Acquire takes the lock for key, waiting up to timeout. It reports whether
// the lock was acquired. A timeout <= 0 uses the keeper default.
func (k *Keeper) Acquire(ctx context.Context, key string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = k.defTimeout
	}

	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &lock{}
		k.locks[key] = l
	}
	if !l.held {
		l.held = true
		k.mu.Unlock()
		return true
	}
	w := &waiter{ch: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	k.mu.Unlock()

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case <-w.ch:
		// Ownership was transferred by the previous holder's release.
		return true
	case <-ctx.Done():
	case <-tmr.C:
	}

	// Timed out (or canceled). The grant may have raced in; both the grant
	// (close) and this re-check run under k.mu, so the outcome is settled.
	k.mu.Lock()
	select {
	case <-w.ch:
		// We were granted the lock while giving up: hand it to the next
		// waiter in order so nobody stalls.
		k.releaseLocked(l)
		k.mu.Unlock()
		return false
	default:
	}
	for i, other := range l.waiters {
		if other == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	k.mu.Unlock()

	k.log.Debug("lock wait timed out", logx.String("key", key), logx.Duration("timeout", timeout))
	return false
}

// Release frees the lock for key, granting it to the oldest waiter if any.
// Releasing an unheld key is a no-op.
func (k *Keeper) Release(key string) {
	k.mu.Lock()
	if l := k.locks[key]; l != nil && l.held {
		k.releaseLocked(l)
	}
	k.mu.Unlock()
}

func (k *Keeper) releaseLocked(l *lock) {
	if len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		// held stays true: ownership transfers directly to the waiter.
		close(w.ch)
		return
	}
	l.held = false
}

// AcquirePair takes two locks in narrow-then-broad order (e.g. thread key
// before guild key). If the broad lock cannot be acquired in time, the narrow
// one is released before reporting failure. This fixed order is what prevents
// deadlock between tasks needing both scopes.
func (k *Keeper) AcquirePair(ctx context.Context, narrow, broad string, timeout time.Duration) bool {
	if !k.Acquire(ctx, narrow, timeout) {
		return false
	}
	if !k.Acquire(ctx, broad, timeout) {
		k.Release(narrow)
		return false
	}
	return true
}

// ReleasePair releases a pair taken by AcquirePair, broad first.
func (k *Keeper) ReleasePair(narrow, broad string) {
	k.Release(broad)
	k.Release(narrow)
}

// Do runs fn while holding the lock for key. The lock is released even if fn
// returns an error or panics. Returns ErrLockTimeout if the lock could not be
// acquired within the budget.
func (k *Keeper) Do(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if !k.Acquire(ctx, key, timeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrLockTimeout
	}
	defer k.Release(key)
	return fn(ctx)
}

// DoPair is Do over a narrow/broad key pair.
func (k *Keeper) DoPair(ctx context.Context, narrow, broad string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if !k.AcquirePair(ctx, narrow, broad, timeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrLockTimeout
	}
	defer k.ReleasePair(narrow, broad)
	return fn(ctx)
}
