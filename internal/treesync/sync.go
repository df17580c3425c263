// Package treesync keeps a client's view of a sandbox workspace tree up to
// date: warmup scans, a steady rescan loop, debounced nudges from file
// mutations and explicit resyncs.
package treesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/AjaxZhan/devspace/internal/clock"
	"github.com/AjaxZhan/devspace/internal/logging"
	"github.com/AjaxZhan/devspace/internal/protocol"
	"github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/pkg/types"
)

// Options controls scan timing.
type Options struct {
	ScanInterval      time.Duration
	WarmupScans       int
	WarmupInterval    time.Duration
	NudgeDelay        time.Duration
	NudgeMaxWait      time.Duration
	DedupLeadingChars string
	Clock             clock.Clock
}

// EmitFunc delivers a snapshot to the client. It is called with the
// synchronizer's lock held, so it must not block or call back in.
type EmitFunc func(protocol.TreeSnapshot)

type state int

const (
	stateUninitialized state = iota
	stateWarmingUp
	stateSteady
	stateDisabled
	stateStopped
)

// Synchronizer owns the tree state and timers of one session.
type Synchronizer struct {
	rt   runtime.Runtime
	h    *runtime.Handle
	opts Options
	emit EmitFunc
	clk  clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           state
	version         uint64
	tree            types.Tree
	lastHash        string
	emittedNonEmpty bool
	inFlight        bool
	pending         string // forced rebuild requested while one was in flight

	loopTimer   *clock.Timer
	warmupTimer *clock.Timer
	nudgeTimer  *clock.Timer
	nudgeSeq    uint64
	firstNudge  time.Time
}

// New creates a Synchronizer. Nothing runs until Start.
func New(rt runtime.Runtime, h *runtime.Handle, opts Options, emit EmitFunc) *Synchronizer {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	opts.WarmupInterval = max(opts.WarmupInterval, time.Millisecond)
	opts.ScanInterval = max(opts.ScanInterval, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		rt:     rt,
		h:      h,
		opts:   opts,
		emit:   emit,
		clk:    opts.Clock,
		ctx:    ctx,
		cancel: cancel,
		tree:   types.Tree{},
	}
}

// Start begins the warmup scans, followed by the steady rescan loop.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.state != stateUninitialized {
		s.mu.Unlock()
		return
	}
	s.state = stateWarmingUp
	s.mu.Unlock()

	s.clk.AfterFunc(0, func() { s.warmupStep(1) })
}

func (s *Synchronizer) warmupStep(i int) {
	if i <= s.opts.WarmupScans {
		s.rebuild(fmt.Sprintf("warmup#%d", i), true)
	}
	if i < s.opts.WarmupScans {
		s.schedule(&s.warmupTimer, stateWarmingUp, s.opts.WarmupInterval, func() { s.warmupStep(i + 1) })
		return
	}
	s.schedule(&s.warmupTimer, stateWarmingUp, s.opts.WarmupInterval, s.finishWarmup)
}

func (s *Synchronizer) finishWarmup() {
	s.mu.Lock()
	needForce := !s.emittedNonEmpty && s.state == stateWarmingUp
	s.mu.Unlock()
	if needForce {
		s.rebuild("post-warmup-force", true)
	}

	s.mu.Lock()
	if s.state != stateWarmingUp {
		s.mu.Unlock()
		return
	}
	s.state = stateSteady
	s.mu.Unlock()
	s.schedule(&s.loopTimer, stateSteady, s.opts.ScanInterval, s.loop)
}

func (s *Synchronizer) loop() {
	s.rebuild("periodic", false)
	s.schedule(&s.loopTimer, stateSteady, s.opts.ScanInterval, s.loop)
}

// schedule arms a timer outside the lock and records it in slot, unless
// the synchronizer left the wanted state meanwhile.
func (s *Synchronizer) schedule(slot **clock.Timer, want state, d time.Duration, f func()) {
	s.mu.Lock()
	ok := s.state == want
	s.mu.Unlock()
	if !ok {
		return
	}
	t := s.clk.AfterFunc(d, f)
	s.mu.Lock()
	if s.state != want {
		t.Stop()
	} else {
		*slot = t
	}
	s.mu.Unlock()
}

// Nudge requests a rescan soon. Bursts are coalesced: the rescan runs
// NudgeDelay after the latest nudge, but never later than NudgeMaxWait
// after the first nudge of the burst.
func (s *Synchronizer) Nudge(reason string) {
	s.mu.Lock()
	if s.state == stateDisabled || s.state == stateStopped {
		s.mu.Unlock()
		return
	}
	now := s.clk.Now()
	if s.firstNudge.IsZero() {
		s.firstNudge = now
	}
	delay := s.opts.NudgeDelay
	if remaining := s.firstNudge.Add(s.opts.NudgeMaxWait).Sub(now); remaining < delay {
		delay = max(remaining, 0)
	}
	s.nudgeTimer.Stop()
	s.nudgeSeq++
	seq := s.nudgeSeq
	s.mu.Unlock()

	t := s.clk.AfterFunc(delay, func() { s.fireNudge(seq, reason) })

	s.mu.Lock()
	if s.nudgeSeq == seq {
		s.nudgeTimer = t
	}
	s.mu.Unlock()
}

func (s *Synchronizer) fireNudge(seq uint64, reason string) {
	s.mu.Lock()
	if seq != s.nudgeSeq {
		s.mu.Unlock()
		return
	}
	s.nudgeTimer = nil
	s.firstNudge = time.Time{}
	s.mu.Unlock()

	s.rebuild("debounced-"+reason, true)
}

// Resync forces an immediate emitted rebuild, starting the synchronizer if
// it has not started yet.
func (s *Synchronizer) Resync() {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == stateUninitialized {
		s.Start()
		return
	}
	s.rebuild("manual-resync", true)
}

// EmitCurrent re-sends the last snapshot, unchanged, after a reconnect.
func (s *Synchronizer) EmitCurrent(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateStopped {
		return
	}
	s.emit(protocol.TreeSnapshot{Version: s.version, Tree: s.tree, Changed: false, Reason: reason})
}

// Version returns the last emitted snapshot version.
func (s *Synchronizer) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Disabled reports whether scanning stopped because the sandbox is gone.
func (s *Synchronizer) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateDisabled
}

// Stop cancels every timer and any scan in progress. It is idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.state = stateStopped
	s.stopTimersLocked()
	s.mu.Unlock()
	s.cancel()
}

func (s *Synchronizer) stopTimersLocked() {
	s.loopTimer.Stop()
	s.warmupTimer.Stop()
	s.nudgeTimer.Stop()
	s.nudgeSeq++
	s.loopTimer, s.warmupTimer, s.nudgeTimer = nil, nil, nil
}

func (s *Synchronizer) build() (types.Tree, error) {
	res, err := s.rt.Exec(s.ctx, s.h, ListCommand(s.h.WorkDir))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("tree listing exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseTree(res.Stdout, s.opts.DedupLeadingChars), nil
}

// sandboxGone reports whether a scan error means the sandbox no longer
// exists. Runtimes classify engine errors as ErrSandboxNotFound; a raw
// engine not-found error is accepted too. A missing path inside a live
// sandbox is neither.
func sandboxGone(err error) bool {
	return errors.Is(err, types.ErrSandboxNotFound) || cerrdefs.IsNotFound(err)
}

func (s *Synchronizer) rebuild(reason string, force bool) {
	s.mu.Lock()
	if s.state == stateStopped || s.state == stateDisabled || s.state == stateUninitialized {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		if force {
			s.pending = reason
		}
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	tree, err := s.build()

	s.mu.Lock()
	s.inFlight = false
	rerun := s.pending
	s.pending = ""
	if s.state == stateStopped {
		s.mu.Unlock()
		return
	}

	if err != nil {
		if sandboxGone(err) {
			s.state = stateDisabled
			s.stopTimersLocked()
			logging.Warn("Sandbox unavailable, tree sync disabled", logging.SessionID(s.h.SessionID), logging.Err(err))
		} else {
			logging.Debug("Tree scan failed", logging.SessionID(s.h.SessionID), logging.String("reason", reason), logging.Err(err))
		}
		s.mu.Unlock()
		return
	}

	empty := tree.IsEmpty()
	hash := Hash(tree)
	changed := hash != s.lastHash
	if force || changed || (!s.emittedNonEmpty && !empty) {
		s.tree = tree
		s.version++
		s.lastHash = hash
		if !empty {
			s.emittedNonEmpty = true
		}
		s.emit(protocol.TreeSnapshot{Version: s.version, Tree: tree, Changed: changed, Reason: reason})
	}
	s.mu.Unlock()

	if rerun != "" {
		s.rebuild(rerun, true)
	}
}
