// Package ratelimit gates outbound actions with sliding-log windows.
//
// One window exists per action category plus a single global window bounding
// aggregate throughput. Admission never fails; callers are delayed until the
// window clears (or their context is canceled).
package ratelimit

import (
	"context"
	"sync"
	"time"

	logx "wardenbot/pkg/logx"
)

// Category names used across the repo. Callers may register additional
// categories via Config; unknown names fall back to Default.
const (
	CategoryMessage = "message"
	CategoryMember  = "member"
	CategoryRole    = "role"
	CategoryList    = "list"
)

// Policy is the per-category rate policy.
//
// Concurrency is consumed by the batch runner (group fan-out), not by the
// gate itself.
type Policy struct {
	MaxRequests int
	Window      time.Duration
	Concurrency int
}

func (p Policy) withDefaults() Policy {
	if p.MaxRequests <= 0 {
		p.MaxRequests = 1
	}
	if p.Window <= 0 {
		p.Window = time.Second
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	return p
}

type Config struct {
	// Global additionally bounds the sum of all categories.
	Global Policy

	// Default applies to categories not present in Categories.
	Default Policy

	Categories map[string]Policy
}

// DefaultConfig mirrors the production policy: destructive member/role
// actions are narrow, read/list actions are wide.
func DefaultConfig() Config {
	return Config{
		Global:  Policy{MaxRequests: 45, Window: time.Second},
		Default: Policy{MaxRequests: 5, Window: time.Second, Concurrency: 2},
		Categories: map[string]Policy{
			CategoryMessage: {MaxRequests: 5, Window: time.Second, Concurrency: 3},
			CategoryMember:  {MaxRequests: 1, Window: time.Second, Concurrency: 1},
			CategoryRole:    {MaxRequests: 1, Window: time.Second, Concurrency: 1},
			CategoryList:    {MaxRequests: 40, Window: time.Second, Concurrency: 5},
		},
	}
}

// window is a sliding log of admission instants.
// Stamps older than span are pruned lazily on each check.
type window struct {
	max    int
	span   time.Duration
	stamps []time.Time
}

func (w *window) prune(now time.Time) {
	cut := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cut) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *window) open(now time.Time) bool {
	w.prune(now)
	return len(w.stamps) < w.max
}

// waitFor returns how long until the oldest stamp leaves the window.
func (w *window) waitFor(now time.Time) time.Duration {
	if len(w.stamps) == 0 {
		return 0
	}
	d := w.stamps[0].Add(w.span).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Gate is the shared admission gate. A single Gate instance is constructed at
// process start and handed to every caller that performs outbound actions.
type Gate struct {
	mu     sync.Mutex
	cfg    Config
	global *window
	cats   map[string]*window

	log logx.Logger
	now func() time.Time
}

func NewGate(cfg Config, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := cfg.Global.withDefaults()
	return &Gate{
		cfg:    cfg,
		global: &window{max: g.MaxRequests, span: g.Window},
		cats:   make(map[string]*window),
		log:    log,
		now:    time.Now,
	}
}

// Apply swaps the policy set at runtime (config hot reload). Existing stamps
// are kept; live windows pick up the new limits on their next check.
func (g *Gate) Apply(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	gp := cfg.Global.withDefaults()
	g.global.max = gp.MaxRequests
	g.global.span = gp.Window
	for name, w := range g.cats {
		p := g.policyLocked(name)
		w.max = p.MaxRequests
		w.span = p.Window
	}
}

// PolicyFor returns the effective policy for a category.
func (g *Gate) PolicyFor(category string) Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policyLocked(category)
}

func (g *Gate) policyLocked(category string) Policy {
	if p, ok := g.cfg.Categories[category]; ok {
		return p.withDefaults()
	}
	return g.cfg.Default.withDefaults()
}

func (g *Gate) catWindowLocked(category string) *window {
	w := g.cats[category]
	if w == nil {
		p := g.policyLocked(category)
		w = &window{max: p.MaxRequests, span: p.Window}
		g.cats[category] = w
	}
	return w
}

// Admit blocks until one call in the given category may proceed, then records
// the admission in both the category and global windows.
//
// Admit never refuses; it only delays. The single error case is ctx
// cancellation. Fairness between sleepers is best-effort FIFO by wait order.
func (g *Gate) Admit(ctx context.Context, category string) error {
	for {
		g.mu.Lock()
		now := g.now()
		cw := g.catWindowLocked(category)
		catOpen := cw.open(now)
		globalOpen := g.global.open(now)
		if catOpen && globalOpen {
			cw.stamps = append(cw.stamps, now)
			g.global.stamps = append(g.global.stamps, now)
			g.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if !catOpen {
			wait = cw.waitFor(now)
		}
		if !globalOpen {
			if gw := g.global.waitFor(now); gw > wait {
				wait = gw
			}
		}
		g.mu.Unlock()

		if wait <= 0 {
			// Stamps expired between prune and wait computation; re-check.
			continue
		}

		g.log.Trace("rate window closed", logx.String("category", category), logx.Duration("wait", wait))

		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
}
