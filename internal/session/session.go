// Package session owns the lifecycle of workspace sessions: creation,
// resume on a new connection, disconnect grace and idempotent termination.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AjaxZhan/devspace/internal/clock"
	"github.com/AjaxZhan/devspace/internal/fsproxy"
	"github.com/AjaxZhan/devspace/internal/guard"
	"github.com/AjaxZhan/devspace/internal/logging"
	"github.com/AjaxZhan/devspace/internal/protocol"
	"github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/internal/terminal"
	"github.com/AjaxZhan/devspace/internal/treesync"
	"github.com/AjaxZhan/devspace/pkg/types"
)

// Termination reasons.
const (
	ReasonKill     = "kill"
	ReasonGrace    = "grace"
	ReasonExit     = "exit"
	ReasonStream   = "stream"
	ReasonShutdown = "shutdown"
)

const destroyTimeout = 30 * time.Second

// Sink is the client connection a session currently reports to.
type Sink interface {
	ID() string
	// Send queues one event for the client. It must not block.
	Send(event string, payload any)
}

// Session binds one user to one sandbox across reconnects.
type Session struct {
	id        string
	user      string
	createdAt time.Time

	ctrl   *Controller
	handle *runtime.Handle
	shell  runtime.Shell
	input  *terminal.Input
	guard  *guard.Guard
	tree   *treesync.Synchronizer
	fs     *fsproxy.Proxy

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu              sync.Mutex
	sink            Sink
	connID          string
	token           string
	lastActivity    time.Time
	pingSentAt      time.Time
	lastStat        *types.Stat
	disconnectTimer *clock.Timer
	statsStop       func()
	clientStats     bool
}

func (s *Session) ID() string { return s.id }
func (s *Session) Username() string { return s.user }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) Handle() *runtime.Handle { return s.handle }
func (s *Session) FS() *fsproxy.Proxy { return s.fs }
func (s *Session) Tree() *treesync.Synchronizer { return s.tree }

// Closed reports whether the session has been terminated.
func (s *Session) Closed() bool { return s.closed.Load() }

// Token returns the token of the current connection.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// ConnID returns the connection the session is bound to, or last was.
func (s *Session) ConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Connected reports whether a client is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil && !s.closed.Load()
}

// send delivers an event to the attached client, if any.
func (s *Session) send(event string, payload any) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.Send(event, payload)
	}
}

// Notify writes a line to the client's terminal.
func (s *Session) Notify(line string) {
	s.send(protocol.EventData, line)
}

// Touch records client activity and clears any outstanding ping.
func (s *Session) Touch() {
	now := s.ctrl.clk.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.pingSentAt = time.Time{}
	s.mu.Unlock()
}

// Activity returns the last activity time and the outstanding ping time.
func (s *Session) Activity() (time.Time, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.pingSentAt
}

func (s *Session) MarkPingSent(at time.Time) {
	s.mu.Lock()
	s.pingSentAt = at
	s.mu.Unlock()
}

func (s *Session) SendPing(p protocol.Ping) {
	s.send(protocol.EventPing, p)
}

// Pong answers an idle ping.
func (s *Session) Pong() {
	s.Touch()
	s.Notify("[session] pong received, session extended\n")
}

// Kill terminates the session on behalf of a policy (idle, resource guard).
func (s *Session) Kill(reason string) {
	s.Terminate(reason)
}

// LastStat returns the most recent resource sample.
func (s *Session) LastStat() (types.Stat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStat == nil {
		return types.Stat{}, false
	}
	return *s.lastStat, true
}

// Input writes keystrokes to the shell through the token bucket.
func (s *Session) Input(data string) error {
	if s.Closed() {
		return types.ErrSessionClosed
	}
	err := s.input.Write(data)
	if err == terminal.ErrThrottled {
		s.ctrl.metrics.Throttled()
	}
	return err
}

// Resize is best-effort; failures are only logged.
func (s *Session) Resize(ctx context.Context, cols, rows uint) {
	if s.Closed() {
		return
	}
	if err := s.ctrl.rt.Resize(ctx, s.handle, cols, rows); err != nil {
		logging.Debug("Resize failed", logging.SessionID(s.id), logging.Err(err))
	}
}

// SubscribeStats starts forwarding resource samples to the client.
func (s *Session) SubscribeStats() {
	s.mu.Lock()
	s.clientStats = true
	s.mu.Unlock()
	s.ensureStats()
}

// UnsubscribeStats stops forwarding samples. The underlying stream keeps
// running while the resource guard needs it.
func (s *Session) UnsubscribeStats() {
	s.mu.Lock()
	s.clientStats = false
	var stop func()
	if !s.ctrl.guardCfg.Enabled() {
		stop, s.statsStop = s.statsStop, nil
	}
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Session) ensureStats() {
	s.mu.Lock()
	running := s.statsStop != nil
	s.mu.Unlock()
	if running || s.Closed() {
		return
	}

	stop := s.ctrl.rt.StreamStats(s.ctx, s.handle, s.onStat, s.onStatsEnd)

	s.mu.Lock()
	if s.statsStop != nil || s.closed.Load() {
		s.mu.Unlock()
		stop()
		return
	}
	s.statsStop = stop
	s.mu.Unlock()
}

func (s *Session) onStat(st types.Stat) {
	if s.Closed() {
		return
	}
	s.mu.Lock()
	s.lastStat = &st
	forward := s.clientStats
	s.mu.Unlock()
	if forward {
		s.send(protocol.EventStatsTick, st)
	}
}

// onStatsEnd drops the last sample with the stream, so the guard never
// acts on a reading that can no longer be refreshed.
func (s *Session) onStatsEnd(err error) {
	s.mu.Lock()
	s.statsStop = nil
	s.lastStat = nil
	s.mu.Unlock()
	if err != nil && !s.Closed() {
		logging.Warn("Stats stream ended", logging.SessionID(s.id), logging.Err(err))
	}
}

func (s *Session) emitTree(snap protocol.TreeSnapshot) {
	s.ctrl.metrics.TreeEmitted(snap.Changed)
	s.send(protocol.EventTree, snap)
}

func (s *Session) output(chunk []byte) {
	if !s.Closed() {
		s.send(protocol.EventData, string(chunk))
	}
}

// shellEnded is called once the shell stream finishes. Any end of the
// stream ends the session; a read error is reported on the terminal first.
func (s *Session) shellEnded(err error) {
	if s.Closed() {
		return
	}
	if err != nil {
		s.Notify(fmt.Sprintf("\r\n[stream error: %s]\r\n", err))
		s.Terminate(ReasonStream)
		return
	}
	s.Terminate(ReasonExit)
}

// ready builds the workspace:ready payload for the current connection.
func (s *Session) ready(resumed bool) protocol.Ready {
	return protocol.Ready{
		User:        s.user,
		SessionID:   s.id,
		Token:       s.Token(),
		Mode:        "container",
		BaseImage:   s.handle.Image,
		NetworkMode: s.handle.NetworkMode,
		Cwd:         s.handle.WorkDir,
		WorkingDir:  s.handle.WorkDir,
		Host:        s.ctrl.hostname,
		Limits:      protocol.Limits{IdleMinutes: int(s.ctrl.cfg.Session.GetIdleMax().Minutes())},
		FSMode:      "simple-json",
		Resumed:     resumed,
	}
}

// detach starts the disconnect grace timer if connID is still the bound
// connection.
func (s *Session) detach(connID string, grace time.Duration) {
	s.mu.Lock()
	if s.connID != connID || s.sink == nil || s.closed.Load() {
		s.mu.Unlock()
		return
	}
	s.sink = nil
	armed := s.disconnectTimer != nil
	s.mu.Unlock()

	s.ctrl.reg.Unbind(s, connID)
	if armed {
		return
	}

	logging.Info("Session disconnected, grace period started",
		logging.SessionID(s.id), logging.ConnID(connID), logging.Duration("grace", grace))
	t := s.ctrl.clk.AfterFunc(grace, func() {
		logging.Info("Disconnect grace expired", logging.SessionID(s.id))
		s.Terminate(ReasonGrace)
	})

	s.mu.Lock()
	if s.sink == nil && !s.closed.Load() {
		s.disconnectTimer = t
	} else {
		t.Stop()
	}
	s.mu.Unlock()
}

// rebind attaches a new connection, derives its token and cancels any
// pending disconnect grace.
func (s *Session) rebind(sink Sink) (oldConn string) {
	token := s.ctrl.signer.Derive(s.id, sink.ID())
	now := s.ctrl.clk.Now()

	s.mu.Lock()
	oldConn = s.connID
	timer := s.disconnectTimer
	s.disconnectTimer = nil
	s.sink = sink
	s.connID = sink.ID()
	s.token = token
	s.lastActivity = now
	s.pingSentAt = time.Time{}
	s.mu.Unlock()

	timer.Stop()
	return oldConn
}

// Terminate tears the session down. Only the first call has any effect;
// every step runs even if an earlier one fails.
func (s *Session) Terminate(reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	timer := s.disconnectTimer
	s.disconnectTimer = nil
	stopStats := s.statsStop
	s.statsStop = nil
	sink := s.sink
	s.mu.Unlock()

	bestEffort(s.id, "disconnect timer", func() { timer.Stop() })
	if stopStats != nil {
		bestEffort(s.id, "stats", stopStats)
	}
	bestEffort(s.id, "guard", s.guard.Stop)
	bestEffort(s.id, "tree", s.tree.Stop)
	bestEffort(s.id, "shell", func() { _ = s.shell.Close() })
	s.cancel()
	bestEffort(s.id, "sandbox", func() {
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		s.ctrl.rt.Destroy(ctx, s.handle)
	})
	if dir := s.handle.HostDir; dir != "" {
		bestEffort(s.id, "host workspace", func() {
			if err := os.RemoveAll(dir); err != nil {
				logging.Warn("Failed to remove host workspace", logging.SessionID(s.id), logging.String("dir", dir), logging.Err(err))
			}
		})
	}
	if s.ctrl.reg.Remove(s) {
		s.ctrl.metrics.SessionTerminated(reason)
	}

	code := types.ExitKilled
	if reason == ReasonExit {
		code = types.ExitNormal
	}
	if sink != nil {
		sink.Send(protocol.EventExit, protocol.Exit{Code: code})
	}

	logging.Info("Session terminated",
		logging.SessionID(s.id),
		logging.String("reason", reason),
		logging.Int("code", code),
		logging.Duration("lifetime", s.ctrl.clk.Now().Sub(s.createdAt)))
}

// bestEffort runs one teardown step, logging instead of propagating a panic.
func bestEffort(sessionID, step string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Teardown step failed",
				logging.SessionID(sessionID), logging.String("step", step), logging.Any("panic", r))
		}
	}()
	f()
}
