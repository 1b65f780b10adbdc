package moderation

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("moderation: record not found")

// Store is the persistence boundary for punishment and process records.
//
// Two contracts matter for correctness and every driver must honor them:
//
//   - ToggleSupporter flips membership atomically inside the store; callers
//     never read-modify-write the supporter set.
//   - The conditional transitions (CompleteProcess, TransitionPunishment)
//     are compare-and-swap style: they only apply to a still-open record and
//     report whether THIS call performed the transition, so two callers
//     racing across a threshold or two overlapping sweep ticks can never
//     both claim the completion side effect.
type Store interface {
	CreatePunishment(ctx context.Context, p *Punishment) error
	Punishment(ctx context.Context, id string) (*Punishment, error)

	// TransitionPunishment moves an active punishment to a terminal status.
	// It returns false (nil error) when the record is already terminal.
	TransitionPunishment(ctx context.Context, id string, to PunishmentStatus) (bool, error)

	// ExpiringPunishments lists active punishments with expires_at <= before.
	// Terminal and permanent records are excluded by the query itself.
	ExpiringPunishments(ctx context.Context, before time.Time) ([]*Punishment, error)

	CreateProcess(ctx context.Context, p *Process) error
	Process(ctx context.Context, id string) (*Process, error)
	ProcessByMessage(ctx context.Context, messageID string) (*Process, error)

	// ToggleSupporter atomically flips userID's membership in the supporter
	// set. It returns the new count and whether the process was still open;
	// a terminal process is left untouched (open=false).
	ToggleSupporter(ctx context.Context, id, userID string) (count int, open bool, err error)

	// CompleteProcess transitions a non-terminal process to completed with
	// the given result. Returns false (nil error) if already terminal.
	CompleteProcess(ctx context.Context, id string, result ProcessResult) (bool, error)

	// ExpiringProcesses lists non-terminal processes with expire_at <= before.
	ExpiringProcesses(ctx context.Context, before time.Time) ([]*Process, error)

	Close() error
}
