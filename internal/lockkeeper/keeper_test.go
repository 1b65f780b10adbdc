package lockkeeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "wardenbot/pkg/logx"
)

func newTestKeeper() *Keeper {
	return New(Config{DefaultTimeout: 2 * time.Second}, logx.Nop())
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()
	k := newTestKeeper()
	ctx := context.Background()

	if !k.Acquire(ctx, "guild:1", 0) {
		t.Fatal("first Acquire should succeed")
	}
	if k.Acquire(ctx, "guild:1", 50*time.Millisecond) {
		t.Fatal("second Acquire on held key should time out")
	}
	k.Release("guild:1")
	if !k.Acquire(ctx, "guild:1", 0) {
		t.Fatal("Acquire after release should succeed")
	}
	k.Release("guild:1")
}

func TestExclusivity(t *testing.T) {
	t.Parallel()
	k := newTestKeeper()
	ctx := context.Background()

	var inside int32
	var overlap atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := k.Do(ctx, "thread:9", time.Second, func(context.Context) error {
				if atomic.AddInt32(&inside, 1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Do error: %v", err)
			}
		}()
	}
	wg.Wait()
	if overlap.Load() {
		t.Fatal("critical sections overlapped")
	}
}

func TestReleaseOnError(t *testing.T) {
	t.Parallel()
	k := newTestKeeper()
	ctx := context.Background()

	boom := errors.New("boom")
	if err := k.Do(ctx, "k", time.Second, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do err = %v, want boom", err)
	}
	// Lock must be free again.
	if !k.Acquire(ctx, "k", 50*time.Millisecond) {
		t.Fatal("lock still held after failed critical section")
	}
	k.Release("k")
}

func TestReleaseOnPanic(t *testing.T) {
	t.Parallel()
	k := newTestKeeper()
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = k.Do(ctx, "p", time.Second, func(context.Context) error { panic("boom") })
	}()

	if !k.Acquire(ctx, "p", 50*time.Millisecond) {
		t.Fatal("lock still held after panic in critical section")
	}
	k.Release("p")
}

func TestFIFOFairness(t *testing.T) {
	t.Parallel()
	k := newTestKeeper()
	ctx := context.Background()

	if !k.Acquire(ctx, "fifo", 0) {
		t.Fatal("setup acquire failed")
	}

	const waiters = 4
	order := make(chan int, waiters)
	var started sync.WaitGroup
	var done sync.WaitGroup
	for i := 0; i < waiters; i++ {
		started.Add(1)
		done.Add(1)
		go func(idx int) {
			defer done.Done()
			// Stagger arrival so the waiter queue order is deterministic.
			time.Sleep(time.Duration(idx) * 30 * time.Millisecond)
			started.Done()
			if !k.Acquire(ctx, "fifo", 5*time.Second) {
				t.Errorf("waiter %d timed out", idx)
				return
			}
			order <- idx
			k.Release("fifo")
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond) // let the last waiter enqueue
	k.Release("fifo")
	done.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("grant order: got waiter %d, want %d", got, want)
		}
		want++
	}
	if want != waiters {
		t.Fatalf("granted %d waiters, want %d", want, waiters)
	}
}

func TestAcquirePairRollsBackNarrow(t *testing.T) {
	t.Parallel()
	k := newTestKeeper()
	ctx := context.Background()

	// Hold the broad key so the pair acquisition fails on the second step.
	if !k.Acquire(ctx, "guild:7", 0) {
		t.Fatal("setup acquire failed")
	}
	if k.AcquirePair(ctx, "thread:7", "guild:7", 50*time.Millisecond) {
		t.Fatal("AcquirePair should fail while broad key is held")
	}
	// The narrow key must have been released.
	if !k.Acquire(ctx, "thread:7", 50*time.Millisecond) {
		t.Fatal("narrow key leaked after failed pair acquisition")
	}
	k.Release("thread:7")
	k.Release("guild:7")
}

func TestDoPair(t *testing.T) {
	t.Parallel()
	k := newTestKeeper()
	ctx := context.Background()

	ran := false
	err := k.DoPair(ctx, "thread:1", "guild:1", time.Second, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("DoPair err=%v ran=%v", err, ran)
	}
	// Both keys free afterwards.
	if !k.AcquirePair(ctx, "thread:1", "guild:1", 50*time.Millisecond) {
		t.Fatal("pair not released after DoPair")
	}
	k.ReleasePair("thread:1", "guild:1")
}

func TestDoLockTimeoutError(t *testing.T) {
	t.Parallel()
	k := newTestKeeper()
	ctx := context.Background()

	if !k.Acquire(ctx, "busy", 0) {
		t.Fatal("setup acquire failed")
	}
	defer k.Release("busy")

	err := k.Do(ctx, "busy", 30*time.Millisecond, func(context.Context) error { return nil })
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Do err = %v, want ErrLockTimeout", err)
	}
}
