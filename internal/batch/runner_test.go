package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wardenbot/internal/executor"
	"wardenbot/internal/ratelimit"
	logx "wardenbot/pkg/logx"
)

func testRunner(conc int) *Runner {
	gate := ratelimit.NewGate(ratelimit.Config{
		Global:  ratelimit.Policy{MaxRequests: 1000, Window: time.Second},
		Default: ratelimit.Policy{MaxRequests: 1000, Window: time.Second, Concurrency: conc},
	}, logx.Nop())
	return NewRunner(gate, logx.Nop())
}

func items(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestRunAllSucceed(t *testing.T) {
	t.Parallel()
	r := testRunner(2)

	res, err := Run(context.Background(), r, "test", items(10),
		func(_ context.Context, i int) (int, error) { return i * 2, nil }, nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(res) != 10 {
		t.Fatalf("len(res) = %d, want 10", len(res))
	}
	for i, v := range res {
		if v == nil || *v != i*2 {
			t.Fatalf("res[%d] = %v, want %d", i, v, i*2)
		}
	}
}

func TestRunPartialFailure(t *testing.T) {
	t.Parallel()
	r := testRunner(2)

	var mu sync.Mutex
	progressCalls := 0
	lastProcessed := 0

	res, err := Run(context.Background(), r, "test", items(10),
		func(_ context.Context, i int) (string, error) {
			if i == 5 {
				return "", executor.Permanent("member.kick", errors.New("unknown member"))
			}
			return fmt.Sprintf("ok-%d", i), nil
		},
		func(_ float64, processed, total int) {
			mu.Lock()
			progressCalls++
			lastProcessed = processed
			if total != 10 {
				t.Errorf("total = %d, want 10", total)
			}
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res[5] != nil {
		t.Fatalf("res[5] = %v, want nil", *res[5])
	}
	for i, v := range res {
		if i == 5 {
			continue
		}
		if v == nil || *v != fmt.Sprintf("ok-%d", i) {
			t.Fatalf("res[%d] = %v", i, v)
		}
	}
	if progressCalls != 10 {
		t.Fatalf("onProgress called %d times, want 10", progressCalls)
	}
	if lastProcessed != 10 {
		t.Fatalf("final processed = %d, want 10", lastProcessed)
	}
}

func TestRunTransportInterrupt(t *testing.T) {
	t.Parallel()
	r := testRunner(1) // sequential: deterministic interrupt point

	res, err := Run(context.Background(), r, "test", items(10),
		func(_ context.Context, i int) (int, error) {
			if i == 3 {
				return 0, executor.Transient("message.delete", errors.New("connection reset"))
			}
			return i, nil
		}, nil)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if len(res) != 10 {
		t.Fatalf("len(res) = %d, want 10", len(res))
	}
	for i := 0; i < 3; i++ {
		if res[i] == nil {
			t.Fatalf("res[%d] = nil, want value", i)
		}
	}
	for i := 3; i < 10; i++ {
		if res[i] != nil {
			t.Fatalf("res[%d] = %v, want nil after interrupt", i, *res[i])
		}
	}
}

func TestRunAuthFailureInterrupts(t *testing.T) {
	t.Parallel()
	r := testRunner(1)

	calls := 0
	_, err := Run(context.Background(), r, "test", items(5),
		func(_ context.Context, i int) (int, error) {
			calls++
			if i == 0 {
				return 0, executor.AuthFailure("member.ban", errors.New("token invalidated"))
			}
			return i, nil
		}, nil)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if calls != 1 {
		t.Fatalf("action called %d times after auth failure, want 1", calls)
	}
}

func TestRunNoProgressAfterInterrupt(t *testing.T) {
	t.Parallel()
	r := testRunner(1)

	var mu sync.Mutex
	progress := 0
	_, err := Run(context.Background(), r, "test", items(10),
		func(_ context.Context, i int) (int, error) {
			if i == 2 {
				return 0, executor.Transient("x", errors.New("reset"))
			}
			return i, nil
		},
		func(_ float64, _, _ int) {
			mu.Lock()
			progress++
			mu.Unlock()
		})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if progress != 2 {
		t.Fatalf("onProgress called %d times, want 2 (items before interrupt)", progress)
	}
}

func TestRunEmpty(t *testing.T) {
	t.Parallel()
	r := testRunner(3)
	res, err := Run(context.Background(), r, "test", []int(nil),
		func(_ context.Context, i int) (int, error) { return i, nil }, nil)
	if err != nil || len(res) != 0 {
		t.Fatalf("empty run: res=%v err=%v", res, err)
	}
}
