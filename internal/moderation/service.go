package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wardenbot/internal/executor"
	"wardenbot/internal/lockkeeper"
	"wardenbot/internal/ratelimit"
	"wardenbot/internal/task/queue"
	logx "wardenbot/pkg/logx"
)

type Config struct {
	// RequiredSupports is the court threshold.
	RequiredSupports int

	// CourtDuration bounds how long a court process stays open.
	CourtDuration time.Duration

	// AppealDuration bounds how long an appeal stays open.
	AppealDuration time.Duration

	// CourtMuteDuration is the punishment applied by an approved court_mute.
	CourtMuteDuration time.Duration

	// SweepInterval is the expiry sweep period.
	SweepInterval time.Duration

	// LockTimeout bounds lock acquisition inside side-effect tasks.
	LockTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequiredSupports <= 0 {
		c.RequiredSupports = 3
	}
	if c.CourtDuration <= 0 {
		c.CourtDuration = 24 * time.Hour
	}
	if c.AppealDuration <= 0 {
		c.AppealDuration = 48 * time.Hour
	}
	if c.CourtMuteDuration <= 0 {
		c.CourtMuteDuration = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	return c
}

// Service drives the moderation state machine. All outbound side effects go
// through the priority queue, under a thread/guild lock pair, gated by the
// rate window.
type Service struct {
	cfg   Config
	store Store
	exec  executor.Executor
	queue *queue.Service
	locks *lockkeeper.Keeper
	gate  *ratelimit.Gate
	log   logx.Logger
}

func NewService(cfg Config, store Store, exec executor.Executor, q *queue.Service, locks *lockkeeper.Keeper, gate *ratelimit.Gate, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		exec:  exec,
		queue: q,
		locks: locks,
		gate:  gate,
		log:   log.With(logx.String("comp", "moderation")),
	}
}

// perform runs one remote action as a queued task: lock the narrow/guild
// pair, wait on the rate gate, execute.
func (s *Service) perform(ctx context.Context, prio queue.Priority, name, category, narrowKey, guildID, action string, args ...any) error {
	h, err := s.queue.Enqueue(queue.Task{
		Name:     name,
		Priority: prio,
		Run: func(tctx context.Context) error {
			return s.locks.DoPair(tctx, narrowKey, "guild:"+guildID, s.cfg.LockTimeout, func(lctx context.Context) error {
				if err := s.gate.Admit(lctx, category); err != nil {
					return err
				}
				_, err := s.exec.Execute(lctx, action, args...)
				return err
			})
		},
	})
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// ---- Punishments ----

type PunishmentRequest struct {
	UserID     string
	GuildID    string
	Type       PunishmentType
	Duration   time.Duration // Permanent for no expiry
	ExecutorID string
	Reason     string
}

// ApplyPunishment inserts an active punishment record and executes the
// platform action. A failed action revokes the fresh record so no phantom
// sanction stays active.
func (s *Service) ApplyPunishment(ctx context.Context, req PunishmentRequest) (*Punishment, error) {
	now := time.Now()
	p := &Punishment{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		GuildID:    req.GuildID,
		Type:       req.Type,
		Duration:   req.Duration,
		Status:     PunishmentActive,
		CreatedAt:  now,
		ExecutorID: req.ExecutorID,
		Reason:     req.Reason,
	}
	if req.Duration > 0 {
		p.ExpiresAt = now.Add(req.Duration)
	}
	if err := s.store.CreatePunishment(ctx, p); err != nil {
		return nil, fmt.Errorf("create punishment: %w", err)
	}

	action, ok := applyAction(p.Type)
	if !ok {
		// Warnings have no platform action beyond the record itself.
		s.log.Info("punishment recorded", logx.String("id", p.ID), logx.String("type", string(p.Type)), logx.String("user", p.UserID))
		return p, nil
	}

	err := s.perform(ctx, queue.PriorityInteractive, "punishment."+string(p.Type),
		ratelimit.CategoryMember, "user:"+p.GuildID+":"+p.UserID, p.GuildID,
		action, p.GuildID, p.UserID, p.Reason)
	if err != nil {
		if _, terr := s.store.TransitionPunishment(ctx, p.ID, PunishmentRevoked); terr != nil {
			s.log.Error("punishment rollback failed", logx.String("id", p.ID), logx.Err(terr))
		}
		return nil, fmt.Errorf("apply %s: %w", p.Type, err)
	}

	s.log.Info("punishment applied",
		logx.String("id", p.ID),
		logx.String("type", string(p.Type)),
		logx.String("user", p.UserID),
		logx.Duration("duration", req.Duration))
	return p, nil
}

// reverse undoes a punishment's platform effect (unban/unmute).
func (s *Service) reverse(ctx context.Context, p *Punishment, prio queue.Priority) error {
	action, ok := reverseAction(p.Type)
	if !ok {
		return nil
	}
	return s.perform(ctx, prio, "punishment.reverse."+string(p.Type),
		ratelimit.CategoryMember, "user:"+p.GuildID+":"+p.UserID, p.GuildID,
		action, p.GuildID, p.UserID)
}

// performDirect runs one remote action on the caller's goroutine: lock pair,
// gate admission, execute. Callers that already hold a queue slot (the sweep
// runs as a scheduled task) must use this instead of perform, or a
// single-slot queue deadlocks on its own sub-task.
func (s *Service) performDirect(ctx context.Context, category, narrowKey, guildID, action string, args ...any) error {
	return s.locks.DoPair(ctx, narrowKey, "guild:"+guildID, s.cfg.LockTimeout, func(lctx context.Context) error {
		if err := s.gate.Admit(lctx, category); err != nil {
			return err
		}
		_, err := s.exec.Execute(lctx, action, args...)
		return err
	})
}

// reverseDirect is reverse without re-entering the queue.
func (s *Service) reverseDirect(ctx context.Context, p *Punishment) error {
	action, ok := reverseAction(p.Type)
	if !ok {
		return nil
	}
	return s.performDirect(ctx, ratelimit.CategoryMember, "user:"+p.GuildID+":"+p.UserID, p.GuildID,
		action, p.GuildID, p.UserID)
}

func applyAction(t PunishmentType) (string, bool) {
	switch t {
	case PunishBan:
		return "member.ban", true
	case PunishMute:
		return "member.mute", true
	default:
		return "", false
	}
}

func reverseAction(t PunishmentType) (string, bool) {
	switch t {
	case PunishBan:
		return "member.unban", true
	case PunishMute:
		return "member.unmute", true
	default:
		return "", false
	}
}

// ---- Court / appeal processes ----

type CourtRequest struct {
	Type       ProcessType
	GuildID    string
	TargetID   string
	ExecutorID string
	MessageID  string
	Details    string
}

// OpenCourt creates a pending escalation. The first support request from the
// command layer calls this; further ones only toggle.
func (s *Service) OpenCourt(ctx context.Context, req CourtRequest) (*Process, error) {
	now := time.Now()
	p := &Process{
		ID:         uuid.NewString(),
		Type:       req.Type,
		GuildID:    req.GuildID,
		TargetID:   req.TargetID,
		ExecutorID: req.ExecutorID,
		MessageID:  req.MessageID,
		Supporters: []string{req.ExecutorID},
		Status:     ProcessPending,
		CreatedAt:  now,
		ExpireAt:   now.Add(s.cfg.CourtDuration),
		Details:    req.Details,
	}
	if err := s.store.CreateProcess(ctx, p); err != nil {
		return nil, fmt.Errorf("create process: %w", err)
	}
	s.log.Info("court opened",
		logx.String("id", p.ID),
		logx.String("type", string(p.Type)),
		logx.String("target", p.TargetID))
	return p, nil
}

// OpenVote starts a free-form community vote. Approval only announces the
// outcome; no punishment is attached.
func (s *Service) OpenVote(ctx context.Context, req CourtRequest) (*Process, error) {
	req.Type = ProcessVote
	return s.OpenCourt(ctx, req)
}

// Appeal opens an appeal process against an existing punishment.
func (s *Service) Appeal(ctx context.Context, punishmentID, executorID, messageID, details string) (*Process, error) {
	pun, err := s.store.Punishment(ctx, punishmentID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p := &Process{
		ID:           uuid.NewString(),
		Type:         ProcessAppeal,
		GuildID:      pun.GuildID,
		TargetID:     pun.UserID,
		ExecutorID:   executorID,
		MessageID:    messageID,
		Supporters:   []string{executorID},
		Status:       ProcessPending,
		CreatedAt:    now,
		ExpireAt:     now.Add(s.cfg.AppealDuration),
		Details:      details,
		PunishmentID: pun.ID,
	}
	if err := s.store.CreateProcess(ctx, p); err != nil {
		return nil, fmt.Errorf("create appeal: %w", err)
	}
	s.log.Info("appeal opened", logx.String("id", p.ID), logx.String("punishment", pun.ID))
	return p, nil
}

// SupportResult reports the outcome of one toggle.
type SupportResult struct {
	Count     int
	Open      bool
	Completed bool // this toggle performed the threshold transition
}

// ToggleSupport flips the user's membership in the supporter set and, when
// the threshold is crossed, performs the completion transition exactly once.
//
// Both steps delegate to the store's atomic primitives: the toggle never
// read-modify-writes in this layer, and the completion is conditional on the
// process still being open, so concurrent toggles crossing the threshold
// cannot run the side effect twice.
func (s *Service) ToggleSupport(ctx context.Context, processID, userID string) (SupportResult, error) {
	count, open, err := s.store.ToggleSupporter(ctx, processID, userID)
	if err != nil {
		return SupportResult{}, err
	}
	res := SupportResult{Count: count, Open: open}
	if !open || count < s.cfg.RequiredSupports {
		return res, nil
	}

	did, err := s.store.CompleteProcess(ctx, processID, ResultApproved)
	if err != nil {
		return res, err
	}
	if !did {
		// Another toggle won the race; it owns the side effect.
		return res, nil
	}
	res.Completed = true
	res.Open = false

	proc, err := s.store.Process(ctx, processID)
	if err != nil {
		return res, err
	}
	if err := s.completeApproved(ctx, proc); err != nil {
		return res, err
	}
	return res, nil
}

// completeApproved runs the at-most-once side effect of an approved process.
func (s *Service) completeApproved(ctx context.Context, p *Process) error {
	s.log.Info("process approved",
		logx.String("id", p.ID),
		logx.String("type", string(p.Type)),
		logx.Int("supporters", len(p.Supporters)))

	switch p.Type {
	case ProcessCourtMute, ProcessCourtBan:
		// Open the debate venue, then apply the voted punishment.
		if err := s.perform(ctx, queue.PriorityInteractive, "court.debate",
			ratelimit.CategoryMessage, "thread:"+p.MessageID, p.GuildID,
			"thread.create", p.GuildID, p.TargetID, p.Details); err != nil {
			return fmt.Errorf("open debate venue: %w", err)
		}
		req := PunishmentRequest{
			UserID:     p.TargetID,
			GuildID:    p.GuildID,
			ExecutorID: p.ExecutorID,
			Reason:     "court verdict: " + p.Details,
		}
		if p.Type == ProcessCourtBan {
			req.Type = PunishBan
			req.Duration = Permanent
		} else {
			req.Type = PunishMute
			req.Duration = s.cfg.CourtMuteDuration
		}
		if _, err := s.ApplyPunishment(ctx, req); err != nil {
			return err
		}
		return nil

	case ProcessAppeal:
		return s.completeAppeal(ctx, p)

	default:
		return s.perform(ctx, queue.PriorityInteractive, "process.announce",
			ratelimit.CategoryMessage, "thread:"+p.MessageID, p.GuildID,
			"message.send", p.GuildID, "process approved: "+p.ID)
	}
}

// completeAppeal lifts the contested punishment ahead of its natural expiry,
// marking it appealed. If the punishment already reached a terminal state,
// only the announcement runs.
func (s *Service) completeAppeal(ctx context.Context, p *Process) error {
	if p.PunishmentID != "" {
		did, err := s.store.TransitionPunishment(ctx, p.PunishmentID, PunishmentAppealed)
		if err != nil {
			return err
		}
		if did {
			pun, err := s.store.Punishment(ctx, p.PunishmentID)
			if err != nil {
				return err
			}
			if err := s.reverse(ctx, pun, queue.PriorityInteractive); err != nil {
				return err
			}
		} else {
			s.log.Debug("appeal approved but punishment already terminal",
				logx.String("process", p.ID),
				logx.String("punishment", p.PunishmentID))
		}
	}
	return s.perform(ctx, queue.PriorityInteractive, "appeal.announce",
		ratelimit.CategoryMessage, "thread:"+p.MessageID, p.GuildID,
		"message.send", p.GuildID, "appeal approved: "+p.ID)
}
