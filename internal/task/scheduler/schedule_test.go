package scheduler

import (
	"context"
	"testing"
	"time"

	"wardenbot/internal/task/queue"
	logx "wardenbot/pkg/logx"
)

func TestDailyScheduleNext(t *testing.T) {
	t.Parallel()
	s := dailySchedule{hour: 4, minute: 30}
	loc := time.UTC

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before time same day",
			now:  time.Date(2025, 3, 10, 2, 0, 0, 0, loc),
			want: time.Date(2025, 3, 10, 4, 30, 0, 0, loc),
		},
		{
			name: "after time rolls to next day",
			now:  time.Date(2025, 3, 10, 5, 0, 0, 0, loc),
			want: time.Date(2025, 3, 11, 4, 30, 0, 0, loc),
		},
		{
			name: "exactly at time rolls to next day",
			now:  time.Date(2025, 3, 10, 4, 30, 0, 0, loc),
			want: time.Date(2025, 3, 11, 4, 30, 0, 0, loc),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Next(tt.now); !got.Equal(tt.want) {
				t.Fatalf("Next(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestRuleScheduleAlignment(t *testing.T) {
	t.Parallel()
	s := ruleSchedule{every: 30 * time.Second, offset: 7 * time.Second}

	now := time.Date(2025, 3, 10, 12, 0, 10, 0, time.UTC)
	next := s.Next(now)
	if !next.After(now) {
		t.Fatalf("Next(%v) = %v, not after now", now, next)
	}
	// Firing instants satisfy (t - offset) aligned to the period.
	if rem := next.Add(-7 * time.Second).UnixNano() % int64(30*time.Second); rem != 0 {
		t.Fatalf("next %v not aligned to period+offset (rem %d)", next, rem)
	}
	// Consecutive firings are exactly one period apart.
	if d := s.Next(next).Sub(next); d != 30*time.Second {
		t.Fatalf("period between firings = %v, want 30s", d)
	}
}

func TestRuleScheduleSubjectsStaggered(t *testing.T) {
	t.Parallel()
	every := 60 * time.Second
	stagger := 5 * time.Second
	now := time.Date(2025, 3, 10, 12, 0, 0, 1, time.UTC)

	seen := map[time.Time]bool{}
	for i := 0; i < 4; i++ {
		s := ruleSchedule{every: every, offset: time.Duration(i) * stagger}
		next := s.Next(now)
		if seen[next] {
			t.Fatalf("subjects %d share firing instant %v", i, next)
		}
		seen[next] = true
	}
}

func TestStartupSpreadFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Now()
	sched, jitter := intervalScheduleWithSpread(10*time.Second, now, "job-a")
	if jitter < 0 || jitter > 10*time.Second {
		t.Fatalf("jitter %v out of range", jitter)
	}
	first := sched.Next(now)
	if first.Before(now.Add(10 * time.Second)) {
		t.Fatalf("first run %v earlier than one interval after start", first)
	}
}

func TestFiringEnqueuesAtBackground(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{MaxConcurrent: 1}, logx.Nop(), nil)
	q.Start(context.Background())
	defer q.Stop(context.Background())

	s := New(Config{Enabled: true}, q, logx.Nop())
	ran := make(chan struct{}, 1)
	if err := s.Every("tick", time.Hour, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Every: %v", err)
	}

	// Fire the definition directly; the cron engine is driven by wall time
	// and not useful inside a unit test.
	s.fire(s.defs[0])
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run after firing")
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{MaxConcurrent: 2}, logx.Nop(), nil)
	q.Start(context.Background())
	defer q.Stop(context.Background())

	s := New(Config{Enabled: true}, q, logx.Nop())
	block := make(chan struct{})
	started := make(chan struct{}, 2)
	if err := s.Every("slow", time.Hour, func(context.Context) error {
		started <- struct{}{}
		<-block
		return nil
	}); err != nil {
		t.Fatalf("Every: %v", err)
	}

	def := s.defs[0]
	s.fire(def)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not start")
	}

	// Second firing while the first still runs must be skipped.
	s.fire(def)
	select {
	case <-started:
		t.Fatal("overlapping run was not skipped")
	case <-time.After(100 * time.Millisecond):
	}
	close(block)
}

func TestRuleRegistration(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{}, logx.Nop(), nil)
	s := New(Config{Enabled: true}, q, logx.Nop())

	subjects := []string{"guild-1", "guild-2", "guild-3"}
	err := s.Rule("refresh", time.Minute, 5*time.Second, subjects, func(_ context.Context, subject string) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Rule: %v", err)
	}
	if len(s.defs) != 3 {
		t.Fatalf("registered %d defs, want 3", len(s.defs))
	}
	if s.defs[0].name != "refresh:guild-1" {
		t.Fatalf("def name = %q", s.defs[0].name)
	}
}
