package storage

import (
	"context"
	"sync"
	"time"

	"wardenbot/internal/moderation"
)

// Memory is a mutex-guarded map store. It honors the same conditional
// transition and toggle contracts as the SQLite driver, which makes it the
// store of choice in tests.
type Memory struct {
	mu          sync.Mutex
	punishments map[string]*moderation.Punishment
	processes   map[string]*moderation.Process
	byMessage   map[string]string // message id -> process id
}

func NewMemory() *Memory {
	return &Memory{
		punishments: make(map[string]*moderation.Punishment),
		processes:   make(map[string]*moderation.Process),
		byMessage:   make(map[string]string),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreatePunishment(_ context.Context, p *moderation.Punishment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.punishments[p.ID] = &cp
	return nil
}

func (m *Memory) Punishment(_ context.Context, id string) (*moderation.Punishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.punishments[id]
	if !ok {
		return nil, moderation.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) TransitionPunishment(_ context.Context, id string, to moderation.PunishmentStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.punishments[id]
	if !ok {
		return false, moderation.ErrNotFound
	}
	if p.Status.Terminal() {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (m *Memory) ExpiringPunishments(_ context.Context, before time.Time) ([]*moderation.Punishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*moderation.Punishment
	for _, p := range m.punishments {
		if p.Status.Terminal() || p.Duration <= 0 {
			continue
		}
		if !p.ExpiresAt.After(before) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CreateProcess(_ context.Context, p *moderation.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Supporters = append([]string(nil), p.Supporters...)
	m.processes[p.ID] = &cp
	if p.MessageID != "" {
		m.byMessage[p.MessageID] = p.ID
	}
	return nil
}

func (m *Memory) Process(_ context.Context, id string) (*moderation.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processLocked(id)
}

func (m *Memory) ProcessByMessage(_ context.Context, messageID string) (*moderation.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byMessage[messageID]
	if !ok {
		return nil, moderation.ErrNotFound
	}
	return m.processLocked(id)
}

func (m *Memory) processLocked(id string) (*moderation.Process, error) {
	p, ok := m.processes[id]
	if !ok {
		return nil, moderation.ErrNotFound
	}
	cp := *p
	cp.Supporters = append([]string(nil), p.Supporters...)
	return &cp, nil
}

func (m *Memory) ToggleSupporter(_ context.Context, id, userID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return 0, false, moderation.ErrNotFound
	}
	if p.Status.Terminal() {
		return len(p.Supporters), false, nil
	}
	if p.HasSupporter(userID) {
		kept := make([]string, 0, len(p.Supporters)-1)
		for _, s := range p.Supporters {
			if s != userID {
				kept = append(kept, s)
			}
		}
		p.Supporters = kept
		return len(p.Supporters), true, nil
	}
	p.Supporters = append(p.Supporters, userID)
	// A second distinct supporter moves the process out of pending.
	if p.Status == moderation.ProcessPending {
		p.Status = moderation.ProcessInProgress
	}
	return len(p.Supporters), true, nil
}

func (m *Memory) CompleteProcess(_ context.Context, id string, result moderation.ProcessResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return false, moderation.ErrNotFound
	}
	if p.Status.Terminal() {
		return false, nil
	}
	p.Status = moderation.ProcessCompleted
	if result == moderation.ResultCancelled {
		p.Status = moderation.ProcessCancelled
	}
	p.Result = result
	return true, nil
}

func (m *Memory) ExpiringProcesses(_ context.Context, before time.Time) ([]*moderation.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*moderation.Process
	for _, p := range m.processes {
		if p.Status.Terminal() {
			continue
		}
		if !p.ExpireAt.After(before) {
			cp := *p
			cp.Supporters = append([]string(nil), p.Supporters...)
			out = append(out, &cp)
		}
	}
	return out, nil
}
