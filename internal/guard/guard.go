// Package guard enforces per-session memory and CPU kill thresholds.
//
// Memory over its threshold kills at once. CPU must stay over its threshold
// for the sustain window, then a warning starts a grace timer; the session is
// killed only if CPU is still high when the grace timer fires.
package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/AjaxZhan/devspace/internal/clock"
	"github.com/AjaxZhan/devspace/pkg/types"
)

// Kill reasons passed to Target.Kill.
const (
	ReasonMemory = "memory"
	ReasonCPU    = "cpu"
)

// Config holds the thresholds. A zero percent disables that check.
type Config struct {
	MemPercent float64
	CPUPercent float64
	Sustain    time.Duration
	Grace      time.Duration
	Interval   time.Duration
}

// Enabled reports whether any threshold is set.
func (c Config) Enabled() bool {
	return c.MemPercent > 0 || c.CPUPercent > 0
}

// Target is the guarded session.
type Target interface {
	// LastStat returns the most recent sample, if any arrived.
	LastStat() (types.Stat, bool)
	// Notify writes a line to the session's terminal.
	Notify(line string)
	// Kill terminates the session.
	Kill(reason string)
	Closed() bool
}

// Guard watches one session. Create it with New and call Start once the
// session is ready.
type Guard struct {
	cfg    Config
	clk    clock.Clock
	target Target

	mu           sync.Mutex
	stopped      bool
	cpuHighSince time.Time
	warned       bool
	tick         *clock.Timer
	grace        *clock.Timer
	graceSeq     uint64
}

// New returns a Guard. The interval falls back to two seconds.
func New(cfg Config, clk clock.Clock, target Target) *Guard {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Guard{cfg: cfg, clk: clk, target: target}
}

// Start begins periodic checks. It does nothing when no threshold is set.
func (g *Guard) Start() {
	if !g.cfg.Enabled() {
		return
	}
	g.arm()
}

func (g *Guard) arm() {
	t := g.clk.AfterFunc(g.cfg.Interval, func() {
		g.Check()
		g.arm()
	})
	g.mu.Lock()
	if g.stopped {
		t.Stop()
	} else {
		g.tick = t
	}
	g.mu.Unlock()
}

// Stop cancels the periodic check and any pending grace timer. It is
// idempotent and safe to call from Target.Kill.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	g.tick.Stop()
	g.grace.Stop()
	g.graceSeq++
	g.tick, g.grace = nil, nil
}

// Check evaluates the latest sample once.
func (g *Guard) Check() {
	if g.target.Closed() {
		return
	}
	stat, ok := g.target.LastStat()
	if !ok {
		return
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}

	if g.cfg.MemPercent > 0 && stat.MemPercent >= g.cfg.MemPercent {
		g.mu.Unlock()
		g.target.Notify(fmt.Sprintf("\n[resource] memory %.1f%% >= %g%% - terminating\n", stat.MemPercent, g.cfg.MemPercent))
		g.target.Kill(ReasonMemory)
		return
	}

	if g.cfg.CPUPercent <= 0 || stat.CPUPercent < g.cfg.CPUPercent {
		g.resetLocked()
		g.mu.Unlock()
		return
	}

	now := g.clk.Now()
	if g.cpuHighSince.IsZero() {
		g.cpuHighSince = now
		g.mu.Unlock()
		return
	}
	if g.warned || now.Sub(g.cpuHighSince) < g.cfg.Sustain {
		g.mu.Unlock()
		return
	}
	g.warned = true
	g.graceSeq++
	seq := g.graceSeq
	g.mu.Unlock()

	g.target.Notify(fmt.Sprintf("\n[resource] CPU %.1f%% high; terminating in %gs if still high\n", stat.CPUPercent, g.cfg.Grace.Seconds()))
	t := g.clk.AfterFunc(g.cfg.Grace, func() { g.graceExpired(seq) })

	g.mu.Lock()
	if g.graceSeq == seq && !g.stopped {
		g.grace = t
	} else {
		t.Stop()
	}
	g.mu.Unlock()
}

func (g *Guard) resetLocked() {
	g.cpuHighSince = time.Time{}
	g.warned = false
	g.grace.Stop()
	g.grace = nil
	g.graceSeq++
}

func (g *Guard) graceExpired(seq uint64) {
	g.mu.Lock()
	if g.stopped || seq != g.graceSeq {
		g.mu.Unlock()
		return
	}
	g.grace = nil
	g.mu.Unlock()

	if g.target.Closed() {
		return
	}
	if stat, ok := g.target.LastStat(); ok && stat.CPUPercent >= g.cfg.CPUPercent {
		g.target.Notify("[resource] CPU still high, terminating\n")
		g.target.Kill(ReasonCPU)
		return
	}

	g.mu.Lock()
	g.cpuHighSince = time.Time{}
	g.warned = false
	g.mu.Unlock()
	g.target.Notify("[resource] CPU normalized\n")
}
