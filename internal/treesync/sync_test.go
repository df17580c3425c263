package treesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/AjaxZhan/devspace/internal/clock"
	"github.com/AjaxZhan/devspace/internal/fsproxy"
	"github.com/AjaxZhan/devspace/internal/protocol"
	"github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/internal/runtime/mock"
	"github.com/AjaxZhan/devspace/pkg/types"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type emission struct {
	protocol.TreeSnapshot
	at time.Time
}

type recorder struct {
	mu    sync.Mutex
	clk   clock.Clock
	snaps []emission
}

func (r *recorder) emit(s protocol.TreeSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, emission{TreeSnapshot: s, at: r.clk.Now()})
}

func (r *recorder) all() []emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emission(nil), r.snaps...)
}

func (r *recorder) reasons() string {
	var out []string
	for _, s := range r.all() {
		out = append(out, s.Reason)
	}
	return strings.Join(out, ",")
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.snaps = nil
	r.mu.Unlock()
}

type fixture struct {
	m    *mock.MockRuntime
	h    *runtime.Handle
	clk  *clock.FakeClock
	rec  *recorder
	sync *Synchronizer
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	m := mock.New()
	h, _, err := m.Provision(context.Background(), &runtime.ProvisionRequest{SessionID: "alice_000000000001"})
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.Fake(epoch)
	opts.Clock = clk
	rec := &recorder{clk: clk}
	s := New(m, h, opts, rec.emit)
	t.Cleanup(s.Stop)
	return &fixture{m: m, h: h, clk: clk, rec: rec, sync: s}
}

func defaultOptions() Options {
	return Options{
		ScanInterval:   2 * time.Second,
		WarmupScans:    3,
		WarmupInterval: 250 * time.Millisecond,
		NudgeDelay:     120 * time.Millisecond,
		NudgeMaxWait:   600 * time.Millisecond,
	}
}

func TestWarmupForcesEmissions(t *testing.T) {
	f := newFixture(t, defaultOptions())

	f.sync.Start()
	f.clk.Advance(750 * time.Millisecond)

	want := "warmup#1,warmup#2,warmup#3,post-warmup-force"
	if got := f.rec.reasons(); got != want {
		t.Fatalf("reasons = %s, want %s", got, want)
	}

	// An unchanged empty tree is not re-sent by the steady loop.
	f.clk.Advance(2 * time.Second)
	if got := len(f.rec.all()); got != 4 {
		t.Errorf("periodic scan of unchanged tree emitted; %d emissions", got)
	}

	f.m.WriteFile(f.h, "seed.txt", "hello")
	f.clk.Advance(2 * time.Second)
	snaps := f.rec.all()
	last := snaps[len(snaps)-1]
	if last.Reason != "periodic" || !last.Changed {
		t.Fatalf("last = %+v", last.TreeSnapshot)
	}
	if _, ok := last.Tree["seed.txt"]; !ok {
		t.Errorf("tree = %v", last.Tree)
	}

	for i := 1; i < len(snaps); i++ {
		if snaps[i].Version <= snaps[i-1].Version {
			t.Errorf("versions not increasing: %d then %d", snaps[i-1].Version, snaps[i].Version)
		}
	}
}

func TestWarmupSkipsExtraForceWhenSeeded(t *testing.T) {
	f := newFixture(t, defaultOptions())
	f.m.WriteFile(f.h, "main.py", "print(1)")

	f.sync.Start()
	f.clk.Advance(750 * time.Millisecond)

	if got := f.rec.reasons(); got != "warmup#1,warmup#2,warmup#3" {
		t.Errorf("reasons = %s", got)
	}
	snaps := f.rec.all()
	if !snaps[0].Changed || snaps[1].Changed {
		t.Errorf("only the first warmup scan should report a change")
	}
}

func TestNudgeMaxWaitBound(t *testing.T) {
	opts := defaultOptions()
	opts.WarmupScans = 1
	opts.ScanInterval = time.Hour
	f := newFixture(t, opts)
	f.sync.Start()
	f.clk.Advance(250 * time.Millisecond)
	f.rec.reset()

	start := f.clk.Now()
	for range 20 {
		f.sync.Nudge("write")
		f.clk.Advance(100 * time.Millisecond)
	}

	snaps := f.rec.all()
	if len(snaps) == 0 {
		t.Fatal("sustained nudges never produced a rescan")
	}
	first := snaps[0]
	if first.Reason != "debounced-write" {
		t.Errorf("reason = %s", first.Reason)
	}
	if waited := first.at.Sub(start); waited > opts.NudgeMaxWait {
		t.Errorf("first rescan after %v, bound is %v", waited, opts.NudgeMaxWait)
	}
	// Every burst window is bounded, so 2s of nudges yields several rescans.
	if len(snaps) < 3 {
		t.Errorf("got %d rescans over 2s of nudges", len(snaps))
	}
}

func TestNudgeDebounce(t *testing.T) {
	opts := defaultOptions()
	opts.WarmupScans = 1
	opts.ScanInterval = time.Hour
	f := newFixture(t, opts)
	f.sync.Start()
	f.clk.Advance(250 * time.Millisecond)
	f.rec.reset()

	f.sync.Nudge("write")
	f.clk.Advance(50 * time.Millisecond)
	f.sync.Nudge("write")
	f.clk.Advance(100 * time.Millisecond)
	if n := len(f.rec.all()); n != 0 {
		t.Fatalf("rescan before the delay elapsed: %d", n)
	}
	f.clk.Advance(20 * time.Millisecond)
	if n := len(f.rec.all()); n != 1 {
		t.Errorf("want one coalesced rescan, got %d", n)
	}
}

func TestTwoWritesOneRescan(t *testing.T) {
	opts := defaultOptions()
	opts.WarmupScans = 1
	opts.ScanInterval = time.Hour
	f := newFixture(t, opts)
	f.sync.Start()
	f.clk.Advance(250 * time.Millisecond)
	f.rec.reset()

	p := fsproxy.New(f.m, f.h, f.sync.Nudge)
	ctx := context.Background()
	if _, err := p.Write(ctx, "a/b.txt", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Write(ctx, "a/c.txt", "y"); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Second)

	snaps := f.rec.all()
	if len(snaps) != 1 {
		t.Fatalf("emissions = %d (%s), want 1", len(snaps), f.rec.reasons())
	}
	a := snaps[0].Tree["a"]
	if _, ok := a["b.txt"]; !ok {
		t.Errorf("a/b.txt missing: %v", snaps[0].Tree)
	}
	if _, ok := a["c.txt"]; !ok {
		t.Errorf("a/c.txt missing: %v", snaps[0].Tree)
	}
	if snaps[0].Reason != "debounced-write" || !snaps[0].Changed {
		t.Errorf("snapshot = %+v", snaps[0].TreeSnapshot)
	}
}

func TestResync(t *testing.T) {
	f := newFixture(t, defaultOptions())

	// Before start, resync starts the warmup.
	f.sync.Resync()
	if got := f.rec.reasons(); got != "warmup#1" {
		t.Fatalf("reasons = %s", got)
	}
	f.clk.Advance(time.Second)
	f.rec.reset()

	f.sync.Resync()
	snaps := f.rec.all()
	if len(snaps) != 1 || snaps[0].Reason != "manual-resync" || snaps[0].Changed {
		t.Errorf("resync emissions = %+v", snaps)
	}
}

func TestEmitCurrentOnReconnect(t *testing.T) {
	f := newFixture(t, defaultOptions())
	f.m.WriteFile(f.h, "x.txt", "x")
	f.sync.Start()
	f.clk.Advance(time.Second)
	v := f.sync.Version()
	f.rec.reset()

	f.sync.EmitCurrent("reconnect")
	snaps := f.rec.all()
	if len(snaps) != 1 {
		t.Fatalf("emissions = %d", len(snaps))
	}
	if snaps[0].Version != v || snaps[0].Changed || snaps[0].Reason != "reconnect" {
		t.Errorf("snapshot = %+v", snaps[0].TreeSnapshot)
	}
	if _, ok := snaps[0].Tree["x.txt"]; !ok {
		t.Errorf("tree = %v", snaps[0].Tree)
	}
}

func TestDisabledWhenSandboxGone(t *testing.T) {
	f := newFixture(t, defaultOptions())
	f.sync.Start()
	f.clk.Advance(time.Second)
	f.rec.reset()

	f.m.Vanish(f.h)
	f.clk.Advance(2 * time.Second)

	if !f.sync.Disabled() {
		t.Fatal("synchronizer should be disabled")
	}
	if n := f.clk.PendingCount(); n != 0 {
		t.Errorf("%d timers still armed after disable", n)
	}

	f.sync.Nudge("write")
	f.sync.Resync()
	f.clk.Advance(time.Minute)
	if n := len(f.rec.all()); n != 0 {
		t.Errorf("disabled synchronizer emitted %d snapshots", n)
	}
}

func TestStopCancelsTimers(t *testing.T) {
	f := newFixture(t, defaultOptions())
	f.sync.Start()
	f.sync.Nudge("write")
	f.sync.Stop()
	f.sync.Stop()

	if n := f.clk.PendingCount(); n != 0 {
		t.Errorf("%d timers still armed after Stop", n)
	}
	f.rec.reset()
	f.clk.Advance(time.Minute)
	f.sync.EmitCurrent("reconnect")
	if n := len(f.rec.all()); n != 0 {
		t.Errorf("stopped synchronizer emitted %d snapshots", n)
	}
}

func TestSandboxGone(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"classified", fmt.Errorf("No such container: abc: %w", types.ErrSandboxNotFound), true},
		{"engine not found", cerrdefs.ErrNotFound.WithMessage("No such container: abc"), true},
		{"missing path", fmt.Errorf("%w: find: '/workspace/x': No such file or directory", types.ErrNotFound), false},
		{"plain not found text", errors.New("image not found"), false},
		{"timeout", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sandboxGone(tt.err); got != tt.want {
				t.Errorf("sandboxGone(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestScanErrorKeepsSyncing(t *testing.T) {
	f := newFixture(t, defaultOptions())
	f.sync.Start()
	f.clk.Advance(time.Second)

	f.m.OnExec = func(ctx context.Context, h *runtime.Handle, argv []string) (*types.ExecResult, error) {
		return nil, errors.New("path not found")
	}
	f.clk.Advance(2 * time.Second)
	if f.sync.Disabled() {
		t.Fatal("an ordinary scan error disabled the synchronizer")
	}

	f.m.OnExec = nil
	f.rec.reset()
	f.m.WriteFile(f.h, "later.txt", "x")
	f.clk.Advance(2 * time.Second)
	if got := f.rec.reasons(); got != "periodic" {
		t.Errorf("reasons after recovery = %q", got)
	}
}
