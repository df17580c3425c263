package idle

import (
	"strings"
	"testing"
	"time"

	"github.com/AjaxZhan/devspace/internal/protocol"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeSession struct {
	id        string
	connected bool
	last      time.Time
	pingSent  time.Time
	pings     []protocol.Ping
	lines     []string
	kills     int
}

func (f *fakeSession) ID() string { return f.id }
func (f *fakeSession) Connected() bool { return f.connected }
func (f *fakeSession) Activity() (time.Time, time.Time) {
	return f.last, f.pingSent
}
func (f *fakeSession) MarkPingSent(at time.Time) { f.pingSent = at }
func (f *fakeSession) SendPing(p protocol.Ping) { f.pings = append(f.pings, p) }
func (f *fakeSession) Notify(line string) { f.lines = append(f.lines, line) }
func (f *fakeSession) Kill(string) { f.kills++ }
func (f *fakeSession) touch(at time.Time) { f.last, f.pingSent = at, time.Time{} }
func (f *fakeSession) output() string { return strings.Join(f.lines, "") }

var testConfig = Config{
	Max:         10 * time.Minute,
	Ping:        8 * time.Minute,
	PingTimeout: 2 * time.Minute,
	Sweep:       5 * time.Second,
}

func monitor(sessions ...*fakeSession) *Monitor {
	return New(testConfig, func() []Target {
		out := make([]Target, len(sessions))
		for i, s := range sessions {
			out[i] = s
		}
		return out
	}, nil)
}

func TestPingThenTimeout(t *testing.T) {
	s := &fakeSession{id: "alice_1", connected: true, last: epoch}
	m := monitor(s)

	m.Sweep(epoch.Add(7 * time.Minute))
	if len(s.pings) != 0 {
		t.Fatal("pinged before threshold")
	}

	m.Sweep(epoch.Add(8 * time.Minute))
	if len(s.pings) != 1 {
		t.Fatalf("pings = %d", len(s.pings))
	}
	if p := s.pings[0]; p.IdleSeconds != 480 || p.WillTerminateAfterSeconds != 120 {
		t.Errorf("ping = %+v", p)
	}
	if !strings.Contains(s.output(), "[session] ping at 480s idle; terminate in 120s if no activity") {
		t.Errorf("output = %q", s.output())
	}

	// Only one outstanding challenge.
	m.Sweep(epoch.Add(9 * time.Minute))
	if len(s.pings) != 1 || s.kills != 0 {
		t.Fatalf("pings=%d kills=%d", len(s.pings), s.kills)
	}

	m.Sweep(epoch.Add(9*time.Minute + 59*time.Second))
	if s.kills != 0 {
		t.Fatal("killed before ping timeout")
	}
	m.Sweep(epoch.Add(8*time.Minute + 2*time.Minute))
	if s.kills == 0 {
		t.Fatal("unanswered ping should terminate")
	}
}

func TestNoPongTerminatesBeforeCeiling(t *testing.T) {
	cfg := testConfig
	cfg.PingTimeout = 30 * time.Second
	s := &fakeSession{id: "bob_1", connected: true, last: epoch}
	m := New(cfg, func() []Target { return []Target{s} }, nil)

	m.Sweep(epoch.Add(8 * time.Minute))
	m.Sweep(epoch.Add(8*time.Minute + 30*time.Second))
	if s.kills != 1 {
		t.Fatalf("kills = %d", s.kills)
	}
	if !strings.Contains(s.output(), "[session] no pong within 30s - terminating") {
		t.Errorf("output = %q", s.output())
	}
}

func TestActivityClearsChallenge(t *testing.T) {
	s := &fakeSession{id: "carol_1", connected: true, last: epoch}
	m := monitor(s)

	m.Sweep(epoch.Add(8 * time.Minute))
	s.touch(epoch.Add(8*time.Minute + time.Second))
	m.Sweep(epoch.Add(12 * time.Minute))
	if s.kills != 0 {
		t.Fatal("activity should reset the idle clock")
	}
	m.Sweep(epoch.Add(16*time.Minute + time.Second))
	if len(s.pings) != 2 {
		t.Errorf("pings = %d, want a fresh challenge", len(s.pings))
	}
}

func TestHardCeiling(t *testing.T) {
	s := &fakeSession{id: "dave_1", connected: true, last: epoch}
	m := monitor(s)

	m.Sweep(epoch.Add(10 * time.Minute))
	if s.kills != 1 {
		t.Fatalf("kills = %d", s.kills)
	}
	if !strings.Contains(s.output(), "[session] idle 600s >= 600s - terminating") {
		t.Errorf("output = %q", s.output())
	}
	if len(s.pings) != 0 {
		t.Error("ceiling kill should not ping first")
	}
}

func TestDisconnectedSessionsSkipped(t *testing.T) {
	s := &fakeSession{id: "erin_1", connected: false, last: epoch}
	m := monitor(s)
	m.Sweep(epoch.Add(time.Hour))
	if s.kills != 0 || len(s.pings) != 0 {
		t.Errorf("detached session touched: kills=%d pings=%d", s.kills, len(s.pings))
	}
}

func TestStartStop(t *testing.T) {
	m := monitor()
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	m.Stop()
}
