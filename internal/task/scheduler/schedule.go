package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// dailySchedule fires once per day at a fixed wall-clock time, rolling to the
// next day when the time has already passed.
type dailySchedule struct {
	hour, minute int
}

func (s dailySchedule) Next(t time.Time) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), s.hour, s.minute, 0, 0, t.Location())
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ruleSchedule fires at instants aligned to a fixed period plus a per-subject
// offset. Many subjects sharing one rule get distinct offsets so they never
// all fire in the same instant and saturate the rate gate together.
type ruleSchedule struct {
	every  time.Duration
	offset time.Duration
}

func (s ruleSchedule) Next(t time.Time) time.Time {
	next := t.Add(-s.offset).Truncate(s.every).Add(s.every + s.offset)
	if !next.After(t) {
		next = next.Add(s.every)
	}
	return next
}

const maxStartupSpread = 30 * time.Second

// startupSpreadSchedule wraps a base schedule and overrides the first run
// time. After the first run, it delegates to the base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

// intervalScheduleWithSpread jitters the first firing of an interval schedule
// so a restart does not align every interval job on the same instant.
func intervalScheduleWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spreadMax := every
	if spreadMax > maxStartupSpread {
		spreadMax = maxStartupSpread
	}
	if spreadMax <= 0 {
		return base, 0
	}

	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	jitter := time.Duration(rng.Int63n(int64(spreadMax)))
	first := now.Add(every + jitter)
	return &startupSpreadSchedule{base: base, first: first}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
