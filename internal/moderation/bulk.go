package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wardenbot/internal/batch"
	"wardenbot/internal/ratelimit"
	logx "wardenbot/pkg/logx"
)

// ApplyBulk sanctions many members in one rate-limited run (mass ban after
// a raid, mass mute of a flooding channel).
//
// The runner already paces and parallelizes items, so each item talks to the
// platform directly instead of re-entering the queue and gate. Results are
// positional: nil where an item failed. A transport-class failure interrupts
// the run; see batch.Run.
func (s *Service) ApplyBulk(ctx context.Context, runner *batch.Runner, reqs []PunishmentRequest, onProgress batch.Progress) ([]*Punishment, error) {
	return batch.Run(ctx, runner, ratelimit.CategoryMember, reqs,
		func(ctx context.Context, req PunishmentRequest) (Punishment, error) {
			p, err := s.applyDirect(ctx, req)
			if err != nil {
				return Punishment{}, err
			}
			return *p, nil
		}, onProgress)
}

// applyDirect is ApplyPunishment minus queueing and gating; the batch runner
// owns pacing. Locking still applies so a bulk run cannot interleave with an
// interactive action on the same member.
func (s *Service) applyDirect(ctx context.Context, req PunishmentRequest) (*Punishment, error) {
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
		return p, nil
	}
	err := s.locks.DoPair(ctx, "user:"+p.GuildID+":"+p.UserID, "guild:"+p.GuildID, s.cfg.LockTimeout,
		func(lctx context.Context) error {
			_, err := s.exec.Execute(lctx, action, p.GuildID, p.UserID, p.Reason)
			return err
		})
	if err != nil {
		if _, terr := s.store.TransitionPunishment(ctx, p.ID, PunishmentRevoked); terr != nil {
			s.log.Error("punishment rollback failed", logx.String("id", p.ID), logx.Err(terr))
		}
		return nil, err
	}
	return p, nil
}
