package moderation

import (
	"context"
	"time"

	"wardenbot/internal/ratelimit"
	logx "wardenbot/pkg/logx"
)

// SweepInterval exposes the configured sweep period for schedule wiring.
func (s *Service) SweepInterval() time.Duration {
	return s.cfg.SweepInterval
}

// Sweep expires due punishments and processes. Every reversal runs behind a
// store-level conditional transition, so overlapping sweeps each pick up a
// disjoint set of records and the platform action fires at most once per
// record.
//
// The sweep itself executes as a scheduled queue task, so its side effects
// run directly (lock + gate + execute) rather than as further queue tasks:
// waiting on a sub-task from inside a held slot wedges a fully loaded queue.
func (s *Service) Sweep(ctx context.Context) error {
	now := time.Now()

	puns, err := s.store.ExpiringPunishments(ctx, now)
	if err != nil {
		return err
	}
	for _, p := range puns {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		did, err := s.store.TransitionPunishment(ctx, p.ID, PunishmentExpired)
		if err != nil {
			s.log.Error("expire punishment", logx.String("id", p.ID), logx.Err(err))
			continue
		}
		if !did {
			continue
		}
		if err := s.reverseDirect(ctx, p); err != nil {
			s.log.Error("reverse expired punishment",
				logx.String("id", p.ID),
				logx.String("type", string(p.Type)),
				logx.Err(err))
			continue
		}
		s.log.Info("punishment expired", logx.String("id", p.ID), logx.String("user", p.UserID))
	}

	procs, err := s.store.ExpiringProcesses(ctx, now)
	if err != nil {
		return err
	}
	for _, p := range procs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		did, err := s.store.CompleteProcess(ctx, p.ID, ResultCancelled)
		if err != nil {
			s.log.Error("expire process", logx.String("id", p.ID), logx.Err(err))
			continue
		}
		if !did {
			continue
		}
		if err := s.performDirect(ctx, ratelimit.CategoryMessage, "thread:"+p.MessageID, p.GuildID,
			"message.send", p.GuildID, "process expired without verdict: "+p.ID); err != nil {
			s.log.Error("announce expired process", logx.String("id", p.ID), logx.Err(err))
			continue
		}
		s.log.Info("process expired", logx.String("id", p.ID), logx.String("type", string(p.Type)))
	}
	return nil
}
