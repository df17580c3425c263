// Package idle terminates sessions nobody is using. One global sweep looks
// at every connected session: past the ping threshold it sends a liveness
// ping, an unanswered ping or the hard ceiling ends the session.
package idle

import (
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AjaxZhan/devspace/internal/clock"
	"github.com/AjaxZhan/devspace/internal/logging"
	"github.com/AjaxZhan/devspace/internal/protocol"
)

// ReasonIdle is passed to Target.Kill.
const ReasonIdle = "idle"

// Config holds idle timing. Ping must be below Max.
type Config struct {
	Max         time.Duration
	Ping        time.Duration
	PingTimeout time.Duration
	Sweep       time.Duration
}

// Target is a session as seen by the monitor.
type Target interface {
	ID() string
	// Connected reports whether a client is attached. Detached sessions
	// are left to the disconnect grace timer.
	Connected() bool
	// Activity returns the last activity time and the time of the
	// outstanding ping, zero if none.
	Activity() (last, pingSentAt time.Time)
	MarkPingSent(at time.Time)
	SendPing(protocol.Ping)
	Notify(line string)
	Kill(reason string)
}

// Source lists the sessions to inspect.
type Source func() []Target

// Monitor runs the sweep on a cron schedule.
type Monitor struct {
	cfg   Config
	src   Source
	clk   clock.Clock
	cron  *cron.Cron
	entry cron.EntryID
}

// New creates a Monitor. Call Start to schedule it.
func New(cfg Config, src Source, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = 5 * time.Second
	}
	return &Monitor{cfg: cfg, src: src, clk: clk, cron: cron.New()}
}

// Start schedules the sweep every cfg.Sweep.
func (m *Monitor) Start() error {
	id, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cfg.Sweep), func() { m.Sweep(m.clk.Now()) })
	if err != nil {
		return fmt.Errorf("failed to schedule idle sweep: %w", err)
	}
	m.entry = id
	m.cron.Start()
	logging.Info("Idle monitor started",
		logging.Duration("max", m.cfg.Max),
		logging.Duration("ping", m.cfg.Ping),
		logging.Duration("sweep", m.cfg.Sweep))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

func seconds(d time.Duration) int {
	return int(math.Round(d.Seconds()))
}

// Sweep inspects every session once at time now.
func (m *Monitor) Sweep(now time.Time) {
	for _, t := range m.src() {
		if !t.Connected() {
			continue
		}
		m.check(t, now)
	}
}

func (m *Monitor) check(t Target, now time.Time) {
	last, pingSentAt := t.Activity()
	idleFor := now.Sub(last)

	if idleFor >= m.cfg.Max {
		t.Notify(fmt.Sprintf("\n[session] idle %ds >= %ds - terminating\n", seconds(idleFor), seconds(m.cfg.Max)))
		logging.Info("Session idle ceiling reached", logging.SessionID(t.ID()), logging.Duration("idle", idleFor))
		t.Kill(ReasonIdle)
		return
	}
	if idleFor < m.cfg.Ping {
		return
	}

	if !pingSentAt.IsZero() {
		if now.Sub(pingSentAt) >= m.cfg.PingTimeout {
			t.Notify(fmt.Sprintf("[session] no pong within %gs - terminating\n", m.cfg.PingTimeout.Seconds()))
			logging.Info("Session ping unanswered", logging.SessionID(t.ID()))
			t.Kill(ReasonIdle)
		}
		return
	}

	remaining := m.cfg.Max - idleFor
	t.MarkPingSent(now)
	t.SendPing(protocol.Ping{IdleSeconds: seconds(idleFor), WillTerminateAfterSeconds: seconds(remaining)})
	t.Notify(fmt.Sprintf("[session] ping at %ds idle; terminate in %ds if no activity\n", seconds(idleFor), seconds(remaining)))
}
