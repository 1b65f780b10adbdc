// Package eventbus is a small in-memory fanout for task lifecycle signals.
// The queue publishes; diagnostics and the app's debug subscriber listen.
package eventbus

import (
	"sync"
	"time"
)

// Kind identifies what happened to a task.
type Kind string

const (
	TaskStarted  Kind = "task.started"
	TaskFinished Kind = "task.finished"
	TaskFailed   Kind = "task.failed"
	TaskTimeout  Kind = "task.timeout"
	TaskReaped   Kind = "task.reaped"
)

// Event carries one signal. Data should be small; consumers treat it as
// read-only.
//
// Publish never blocks: a subscriber that falls behind its buffer loses
// events rather than stalling the publisher.
type Event struct {
	Kind Kind
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

type subscriber struct {
	ch     chan Event
	closed sync.Once
	bus    *memBus
}

// New returns an in-memory bus. It owns no goroutines; delivery happens on
// the publisher's stack.
func New() Bus {
	return &memBus{}
}

type memBus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		s.send(e)
	}
}

// send drops the event if the subscriber's buffer is full. An unsubscribe
// may close the channel concurrently; the recover absorbs that send panic.
func (s *subscriber) send(e Event) {
	defer func() { _ = recover() }()
	select {
	case s.ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), bus: b}

	b.mu.Lock()
	// Copy-on-write so Publish can range without holding the lock.
	subs := make([]*subscriber, 0, len(b.subs)+1)
	subs = append(subs, b.subs...)
	b.subs = append(subs, s)
	b.mu.Unlock()

	return s.ch, s.unsubscribe
}

func (s *subscriber) unsubscribe() {
	s.closed.Do(func() {
		b := s.bus
		b.mu.Lock()
		subs := make([]*subscriber, 0, len(b.subs))
		for _, other := range b.subs {
			if other != s {
				subs = append(subs, other)
			}
		}
		b.subs = subs
		b.mu.Unlock()
		close(s.ch)
	})
}
