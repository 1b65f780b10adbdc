package moderation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wardenbot/internal/executor"
	"wardenbot/internal/lockkeeper"
	"wardenbot/internal/moderation"
	"wardenbot/internal/ratelimit"
	"wardenbot/internal/storage"
	"wardenbot/internal/task/queue"
	logx "wardenbot/pkg/logx"
)

type execCall struct {
	Action string
	Args   []any
}

// recordExec records every action and can be told to fail specific ones.
type recordExec struct {
	mu    sync.Mutex
	calls []execCall
	fail  map[string]error
}

func (f *recordExec) Execute(_ context.Context, action string, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[action]; ok {
		return nil, err
	}
	f.calls = append(f.calls, execCall{Action: action, Args: args})
	return nil, nil
}

func (f *recordExec) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}

func openPolicy() ratelimit.Config {
	wide := ratelimit.Policy{MaxRequests: 10000, Window: time.Second, Concurrency: 8}
	return ratelimit.Config{Global: wide, Default: wide}
}

func newTestService(t *testing.T) (*moderation.Service, *recordExec, moderation.Store) {
	t.Helper()
	exec := &recordExec{fail: map[string]error{}}
	store := storage.NewMemory()
	log := logx.Nop()

	q := queue.New(queue.Config{MaxConcurrent: 4, DefaultTimeout: 5 * time.Second}, log, nil)
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Stop(ctx)
	})

	svc := moderation.NewService(moderation.Config{
		RequiredSupports:  3,
		CourtDuration:     time.Hour,
		AppealDuration:    time.Hour,
		CourtMuteDuration: time.Hour,
		LockTimeout:       time.Second,
	}, store, exec, q,
		lockkeeper.New(lockkeeper.Config{}, log),
		ratelimit.NewGate(openPolicy(), log),
		log)
	return svc, exec, store
}

func TestApplyPunishmentExecutesAction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, store := newTestService(t)

	p, err := svc.ApplyPunishment(ctx, moderation.PunishmentRequest{
		UserID:     "user-1",
		GuildID:    "guild-1",
		Type:       moderation.PunishMute,
		Duration:   time.Hour,
		ExecutorID: "mod-1",
		Reason:     "spam",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if exec.count("member.mute") != 1 {
		t.Fatalf("member.mute calls = %d, want 1", exec.count("member.mute"))
	}

	got, err := store.Punishment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != moderation.PunishmentActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.ExpiresAt.IsZero() {
		t.Fatal("timed punishment has zero expiry")
	}
}

func TestApplyPunishmentRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, store := newTestService(t)
	exec.fail["member.ban"] = errors.New("forbidden")

	_, err := svc.ApplyPunishment(ctx, moderation.PunishmentRequest{
		UserID:     "user-1",
		GuildID:    "guild-1",
		Type:       moderation.PunishBan,
		Duration:   moderation.Permanent,
		ExecutorID: "mod-1",
	})
	if err == nil {
		t.Fatal("apply succeeded despite failing action")
	}

	// The record must not stay active.
	expiring, err := store.ExpiringPunishments(ctx, time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(expiring) != 0 {
		t.Fatalf("rolled-back punishment still active: %+v", expiring)
	}
}

func TestWarnHasNoPlatformAction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, _ := newTestService(t)

	if _, err := svc.ApplyPunishment(ctx, moderation.PunishmentRequest{
		UserID:     "user-1",
		GuildID:    "guild-1",
		Type:       moderation.PunishWarn,
		Duration:   moderation.Permanent,
		ExecutorID: "mod-1",
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.calls) != 0 {
		t.Fatalf("warn triggered platform calls: %+v", exec.calls)
	}
}

func TestCourtThresholdCompletesExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, store := newTestService(t)

	proc, err := svc.OpenCourt(ctx, moderation.CourtRequest{
		Type:       moderation.ProcessCourtMute,
		GuildID:    "guild-1",
		TargetID:   "user-1",
		ExecutorID: "mod-1",
		MessageID:  "msg-1",
	})
	if err != nil {
		t.Fatalf("open court: %v", err)
	}

	// Three concurrent supporters push the count past the threshold of 3.
	users := []string{"mod-2", "mod-3", "mod-4"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			res, err := svc.ToggleSupport(ctx, proc.ID, u)
			if err != nil {
				t.Errorf("toggle %s: %v", u, err)
				return
			}
			if res.Completed {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()

	if completions != 1 {
		t.Fatalf("threshold completions = %d, want exactly 1", completions)
	}
	if n := exec.count("thread.create"); n != 1 {
		t.Fatalf("thread.create calls = %d, want 1", n)
	}
	if n := exec.count("member.mute"); n != 1 {
		t.Fatalf("member.mute calls = %d, want 1", n)
	}

	got, err := store.Process(ctx, proc.ID)
	if err != nil {
		t.Fatalf("get process: %v", err)
	}
	if got.Status != moderation.ProcessCompleted || got.Result != moderation.ResultApproved {
		t.Fatalf("process %s/%s, want completed/approved", got.Status, got.Result)
	}
}

func TestToggleSupportRemovesOnSecondFlip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, store := newTestService(t)

	proc, err := svc.OpenCourt(ctx, moderation.CourtRequest{
		Type:       moderation.ProcessCourtBan,
		GuildID:    "guild-1",
		TargetID:   "user-1",
		ExecutorID: "mod-1",
		MessageID:  "msg-1",
	})
	if err != nil {
		t.Fatalf("open court: %v", err)
	}

	res, err := svc.ToggleSupport(ctx, proc.ID, "mod-2")
	if err != nil || res.Count != 2 || res.Completed {
		t.Fatalf("add: %+v err=%v", res, err)
	}
	got, err := store.Process(ctx, proc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != moderation.ProcessInProgress {
		t.Fatalf("status after second supporter = %s, want in_progress", got.Status)
	}
	res, err = svc.ToggleSupport(ctx, proc.ID, "mod-2")
	if err != nil || res.Count != 1 || res.Completed {
		t.Fatalf("remove: %+v err=%v", res, err)
	}
	if exec.count("member.ban") != 0 {
		t.Fatal("ban fired without reaching threshold")
	}
}

func TestVoteThresholdAnnouncesOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, store := newTestService(t)

	proc, err := svc.OpenVote(ctx, moderation.CourtRequest{
		GuildID:    "guild-1",
		ExecutorID: "mod-1",
		MessageID:  "msg-1",
		Details:    "rename the lounge channel",
	})
	if err != nil {
		t.Fatalf("open vote: %v", err)
	}
	if proc.Type != moderation.ProcessVote {
		t.Fatalf("type = %s, want vote", proc.Type)
	}

	for _, u := range []string{"mod-2", "mod-3"} {
		if _, err := svc.ToggleSupport(ctx, proc.ID, u); err != nil {
			t.Fatalf("toggle %s: %v", u, err)
		}
	}

	if n := exec.count("message.send"); n != 1 {
		t.Fatalf("message.send calls = %d, want 1", n)
	}
	if exec.count("member.ban") != 0 || exec.count("member.mute") != 0 {
		t.Fatal("vote approval applied a punishment")
	}
	got, err := store.Process(ctx, proc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != moderation.ProcessCompleted || got.Result != moderation.ResultApproved {
		t.Fatalf("process %s/%s, want completed/approved", got.Status, got.Result)
	}
}

func TestAppealApprovalLiftsPunishment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, store := newTestService(t)

	pun, err := svc.ApplyPunishment(ctx, moderation.PunishmentRequest{
		UserID:     "user-1",
		GuildID:    "guild-1",
		Type:       moderation.PunishMute,
		Duration:   24 * time.Hour,
		ExecutorID: "mod-1",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	proc, err := svc.Appeal(ctx, pun.ID, "mod-2", "msg-2", "wrongly muted")
	if err != nil {
		t.Fatalf("appeal: %v", err)
	}
	for _, u := range []string{"mod-3", "mod-4"} {
		if _, err := svc.ToggleSupport(ctx, proc.ID, u); err != nil {
			t.Fatalf("toggle %s: %v", u, err)
		}
	}

	got, err := store.Punishment(ctx, pun.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != moderation.PunishmentAppealed {
		t.Fatalf("status = %s, want appealed", got.Status)
	}
	if exec.count("member.unmute") != 1 {
		t.Fatalf("member.unmute calls = %d, want 1", exec.count("member.unmute"))
	}
	if exec.count("message.send") != 1 {
		t.Fatalf("message.send calls = %d, want 1", exec.count("message.send"))
	}
}

func TestAppealOnTerminalPunishmentOnlyAnnounces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, store := newTestService(t)

	pun, err := svc.ApplyPunishment(ctx, moderation.PunishmentRequest{
		UserID:     "user-1",
		GuildID:    "guild-1",
		Type:       moderation.PunishMute,
		Duration:   time.Hour,
		ExecutorID: "mod-1",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := store.TransitionPunishment(ctx, pun.ID, moderation.PunishmentExpired); err != nil {
		t.Fatalf("expire: %v", err)
	}

	proc, err := svc.Appeal(ctx, pun.ID, "mod-2", "msg-2", "late appeal")
	if err != nil {
		t.Fatalf("appeal: %v", err)
	}
	for _, u := range []string{"mod-3", "mod-4"} {
		if _, err := svc.ToggleSupport(ctx, proc.ID, u); err != nil {
			t.Fatalf("toggle %s: %v", u, err)
		}
	}

	if exec.count("member.unmute") != 0 {
		t.Fatal("reversed a punishment that already expired")
	}
	if exec.count("message.send") != 1 {
		t.Fatal("approval announcement missing")
	}
}

func TestSweepExpiresDuePunishments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, store := newTestService(t)

	now := time.Now()
	p := &moderation.Punishment{
		ID:         "p-due",
		UserID:     "user-1",
		GuildID:    "guild-1",
		Type:       moderation.PunishMute,
		Duration:   time.Minute,
		Status:     moderation.PunishmentActive,
		CreatedAt:  now.Add(-2 * time.Minute),
		ExpiresAt:  now.Add(-time.Minute),
		ExecutorID: "mod-1",
	}
	if err := store.CreatePunishment(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := svc.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	if exec.count("member.unmute") != 1 {
		t.Fatalf("member.unmute calls = %d, want exactly 1 across sweeps", exec.count("member.unmute"))
	}
	got, err := store.Punishment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != moderation.PunishmentExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestSweepOverlapReversesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, store := newTestService(t)

	now := time.Now()
	for i, id := range []string{"p-a", "p-b", "p-c"} {
		p := &moderation.Punishment{
			ID:         id,
			UserID:     "user-" + id,
			GuildID:    "guild-1",
			Type:       moderation.PunishBan,
			Duration:   time.Minute,
			Status:     moderation.PunishmentActive,
			CreatedAt:  now.Add(-time.Hour),
			ExpiresAt:  now.Add(-time.Duration(i+1) * time.Minute),
			ExecutorID: "mod-1",
		}
		if err := store.CreatePunishment(ctx, p); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Sweep(ctx); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := exec.count("member.unban"); n != 3 {
		t.Fatalf("member.unban calls = %d, want 3 (one per record)", n)
	}
}

func TestSweepCancelsExpiredProcesses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, exec, store := newTestService(t)

	now := time.Now()
	p := &moderation.Process{
		ID:         "pr-due",
		Type:       moderation.ProcessCourtMute,
		GuildID:    "guild-1",
		TargetID:   "user-1",
		ExecutorID: "mod-1",
		MessageID:  "msg-1",
		Supporters: []string{"mod-1"},
		Status:     moderation.ProcessPending,
		CreatedAt:  now.Add(-2 * time.Hour),
		ExpireAt:   now.Add(-time.Hour),
	}
	if err := store.CreateProcess(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := store.Process(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != moderation.ProcessCancelled || got.Result != moderation.ResultCancelled {
		t.Fatalf("process %s/%s, want cancelled/cancelled", got.Status, got.Result)
	}
	if exec.count("message.send") != 1 {
		t.Fatal("expiry announcement missing")
	}
	if exec.count("member.mute") != 0 {
		t.Fatal("expired process still applied its punishment")
	}
}

// The scheduler fires Sweep as a queue task. Its side effects must run on the
// sweep's own goroutine: enqueueing them and waiting would deadlock a queue
// whose only slot the sweep already holds.
func TestSweepInsideSingleSlotQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &recordExec{fail: map[string]error{}}
	store := storage.NewMemory()
	log := logx.Nop()

	q := queue.New(queue.Config{MaxConcurrent: 1, DefaultTimeout: 500 * time.Millisecond}, log, nil)
	q.Start(context.Background())
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Stop(sctx)
	})

	svc := moderation.NewService(moderation.Config{
		RequiredSupports:  3,
		CourtDuration:     time.Hour,
		AppealDuration:    time.Hour,
		CourtMuteDuration: time.Hour,
		LockTimeout:       time.Second,
	}, store, exec, q,
		lockkeeper.New(lockkeeper.Config{}, log),
		ratelimit.NewGate(openPolicy(), log),
		log)

	now := time.Now()
	p := &moderation.Punishment{
		ID:         "p-due",
		UserID:     "user-1",
		GuildID:    "guild-1",
		Type:       moderation.PunishBan,
		Duration:   time.Minute,
		Status:     moderation.PunishmentActive,
		CreatedAt:  now.Add(-time.Hour),
		ExpiresAt:  now.Add(-time.Minute),
		ExecutorID: "mod-1",
	}
	if err := store.CreatePunishment(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	h, err := q.Enqueue(queue.Task{
		Name:     "moderation.sweep",
		Priority: queue.PriorityBackground,
		Run:      svc.Sweep,
	})
	if err != nil {
		t.Fatalf("enqueue sweep: %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.Wait(wctx); err != nil {
		t.Fatalf("sweep task settled with %v, want success", err)
	}
	if n := exec.count("member.unban"); n != 1 {
		t.Fatalf("member.unban calls = %d, want 1", n)
	}
}

var _ executor.Executor = (*recordExec)(nil)
