// Package moderation implements the punishment lifecycle and the
// multi-supporter court/appeal escalation workflow.
package moderation

import "time"

// Permanent marks a punishment with no natural expiry.
const Permanent time.Duration = -1

type PunishmentType string

const (
	PunishBan  PunishmentType = "ban"
	PunishMute PunishmentType = "mute"
	PunishWarn PunishmentType = "warn"
)

type PunishmentStatus string

const (
	PunishmentActive   PunishmentStatus = "active"
	PunishmentExpired  PunishmentStatus = "expired"
	PunishmentAppealed PunishmentStatus = "appealed"
	PunishmentRevoked  PunishmentStatus = "revoked"
)

// Terminal reports whether no further transition may touch the record.
func (s PunishmentStatus) Terminal() bool { return s != PunishmentActive }

// Punishment is a time-boxed (or permanent) sanction. Records are never
// deleted, only status-transitioned.
type Punishment struct {
	ID         string
	UserID     string
	GuildID    string
	Type       PunishmentType
	Duration   time.Duration // Permanent (-1) means no expiry
	Status     PunishmentStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero for permanent punishments
	ExecutorID string
	Reason     string
}

type ProcessType string

const (
	ProcessCourtMute ProcessType = "court_mute"
	ProcessCourtBan  ProcessType = "court_ban"
	ProcessAppeal    ProcessType = "appeal"
	ProcessVote      ProcessType = "vote"
)

type ProcessStatus string

const (
	ProcessPending    ProcessStatus = "pending"
	ProcessInProgress ProcessStatus = "in_progress"
	ProcessCompleted  ProcessStatus = "completed"
	ProcessCancelled  ProcessStatus = "cancelled"
)

func (s ProcessStatus) Terminal() bool {
	return s == ProcessCompleted || s == ProcessCancelled
}

type ProcessResult string

const (
	ResultApproved  ProcessResult = "approved"
	ResultCancelled ProcessResult = "cancelled"
	ResultRevoked   ProcessResult = "revoked"
)

// Process is a court or appeal escalation. Supporters toggle in and out until
// the threshold transition or expiry completes the record exactly once.
type Process struct {
	ID         string
	Type       ProcessType
	GuildID    string
	TargetID   string
	ExecutorID string
	MessageID  string
	Supporters []string
	Status     ProcessStatus
	Result     ProcessResult
	CreatedAt  time.Time
	ExpireAt   time.Time
	Details    string

	// PunishmentID links an appeal to the punishment it contests.
	PunishmentID string
}

// HasSupporter reports membership without mutating anything; the atomic
// toggle lives in the store.
func (p *Process) HasSupporter(userID string) bool {
	for _, s := range p.Supporters {
		if s == userID {
			return true
		}
	}
	return false
}
