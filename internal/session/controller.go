package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AjaxZhan/devspace/internal/clock"
	"github.com/AjaxZhan/devspace/internal/config"
	"github.com/AjaxZhan/devspace/internal/fsproxy"
	"github.com/AjaxZhan/devspace/internal/guard"
	"github.com/AjaxZhan/devspace/internal/idle"
	"github.com/AjaxZhan/devspace/internal/logging"
	"github.com/AjaxZhan/devspace/internal/metrics"
	"github.com/AjaxZhan/devspace/internal/protocol"
	"github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/internal/security"
	"github.com/AjaxZhan/devspace/internal/terminal"
	"github.com/AjaxZhan/devspace/internal/treesync"
	"github.com/AjaxZhan/devspace/pkg/types"
)

// Controller creates, resumes and tears down sessions. It is safe for
// concurrent use by every connection of the server.
type Controller struct {
	rt       runtime.Runtime
	cfg      *config.Config
	guardCfg guard.Config
	signer   *security.Signer
	clk      clock.Clock
	metrics  *metrics.Metrics
	reg      *Registry
	hostname string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Options are the optional collaborators of a Controller.
type Options struct {
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Registry *Registry
	Hostname string
}

// NewController creates a Controller provisioning sandboxes on rt.
func NewController(cfg *config.Config, rt runtime.Runtime, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Hostname == "" {
		opts.Hostname, _ = os.Hostname()
	}
	return &Controller{
		rt:  rt,
		cfg: cfg,
		guardCfg: guard.Config{
			MemPercent: cfg.Guard.MemPercent,
			CPUPercent: cfg.Guard.CPUPercent,
			Sustain:    cfg.Guard.GetSustain(),
			Grace:      cfg.Guard.GetGrace(),
			Interval:   cfg.Guard.GetInterval(),
		},
		signer:   security.NewSigner(cfg.Server.Secret),
		clk:      opts.Clock,
		metrics:  opts.Metrics,
		reg:      opts.Registry,
		hostname: opts.Hostname,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Registry returns the registry of live sessions.
func (c *Controller) Registry() *Registry { return c.reg }

// allowInit applies the per-connection init rate limit.
func (c *Controller) allowInit(connID string) bool {
	limit := c.cfg.Session.InitMax
	if limit <= 0 {
		return true
	}
	c.mu.Lock()
	l, ok := c.limiters[connID]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.cfg.Session.GetInitWindow()/time.Duration(limit)), limit)
		c.limiters[connID] = l
	}
	c.mu.Unlock()
	return l.AllowN(c.clk.Now(), 1)
}

// Init handles workspace:init. A request carrying a sessionId resumes that
// session on sink; any other request creates a new one. A connection that
// already drives a live session is refused with ErrSessionActive. On
// success the ready acknowledgment has already been sent to sink.
func (c *Controller) Init(ctx context.Context, sink Sink, req *protocol.InitRequest) (*Session, error) {
	if !c.allowInit(sink.ID()) {
		c.metrics.InitRejectedBy("rate")
		return nil, types.ErrRateLimited
	}
	if err := security.Validate(req); err != nil {
		c.metrics.InitRejectedBy("invalid")
		return nil, err
	}
	user := security.SanitizeUsername(req.Username)

	// A connection drives one session at a time. Re-sending init for the
	// bound session is a resume and stays allowed.
	if cur, ok := c.reg.ByConn(sink.ID()); ok && !cur.Closed() && cur.id != req.SessionID {
		c.metrics.InitRejectedBy("active")
		return nil, types.ErrSessionActive
	}

	if req.SessionID != "" {
		s, err := c.resume(sink, user, req.SessionID)
		if err != nil {
			c.metrics.InitRejectedBy("resume")
		}
		return s, err
	}
	return c.create(ctx, sink, user, req.Image)
}

// resume rebinds a live session to a new connection. Unknown, closed and
// foreign sessions are all rejected with the same error.
func (c *Controller) resume(sink Sink, user, sessionID string) (*Session, error) {
	s, ok := c.reg.ByID(sessionID)
	if !ok || s.Closed() || s.user != user {
		return nil, types.ErrUnauthorized
	}

	oldConn := s.rebind(sink)
	c.reg.Rebind(s, oldConn, sink.ID())
	c.metrics.SessionResumed()

	logging.Info("Session resumed",
		logging.SessionID(s.id), logging.ConnID(sink.ID()), logging.String("previous_conn", oldConn))

	sink.Send(protocol.EventReady, s.ready(true))
	s.tree.EmitCurrent("reconnect")
	return s, nil
}

func (c *Controller) create(ctx context.Context, sink Sink, user, image string) (*Session, error) {
	sc := &c.cfg.Session
	if err := c.reg.Reserve(user, sc.MaxConcurrent, sc.MaxPerUser); err != nil {
		c.metrics.InitRejectedBy("quota")
		return nil, err
	}

	id := user + "_" + security.RandomHex(6)
	var hostDir string
	if c.cfg.Sandbox.HostWorkspace {
		hostDir = c.cfg.Sandbox.SessionHostDir(id)
		if err := os.MkdirAll(hostDir, 0o750); err != nil {
			c.reg.Release(user)
			return nil, fmt.Errorf("failed to start session: %w", err)
		}
	}

	start := c.clk.Now()
	h, shell, err := c.rt.Provision(ctx, &runtime.ProvisionRequest{
		SessionID: id,
		Username:  user,
		Image:     image,
		HostDir:   hostDir,
	})
	if err != nil {
		c.reg.Release(user)
		if hostDir != "" {
			_ = os.RemoveAll(hostDir)
		}
		c.metrics.InitRejectedBy("provision")
		logging.Error("Provision failed", logging.SessionID(id), logging.String("user", user), logging.Err(err))
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	s := c.newSession(id, user, h, shell)
	s.rebind(sink)
	c.reg.Insert(s, sink.ID())
	c.metrics.SessionCreated(c.clk.Now().Sub(start))

	logging.Info("Session created",
		logging.SessionID(id),
		logging.ConnID(sink.ID()),
		logging.String("user", user),
		logging.String("image", h.Image),
		logging.String("sandbox", h.ID))

	sink.Send(protocol.EventReady, s.ready(false))

	go terminal.Pump(shell, s.output, s.shellEnded)
	s.guard.Start()
	if c.guardCfg.Enabled() {
		s.ensureStats()
	}
	s.tree.Start()
	if hostDir != "" {
		go s.tree.Watch(s.ctx, hostDir)
	}
	return s, nil
}

func (c *Controller) newSession(id, user string, h *runtime.Handle, shell runtime.Shell) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		user:      user,
		createdAt: c.clk.Now(),
		ctrl:      c,
		handle:    h,
		shell:     shell,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.input = terminal.NewInput(shell, terminal.NewBucket(c.cfg.Input.TokensPerSec, c.cfg.Input.BurstBytes, c.clk))
	s.guard = guard.New(c.guardCfg, c.clk, s)
	s.tree = treesync.New(c.rt, h, treesync.Options{
		ScanInterval:      c.cfg.Tree.GetScanInterval(),
		WarmupScans:       c.cfg.Tree.WarmupScans,
		WarmupInterval:    c.cfg.Tree.GetWarmupInterval(),
		NudgeDelay:        c.cfg.Tree.GetNudgeDelay(),
		NudgeMaxWait:      c.cfg.Tree.GetNudgeMaxWait(),
		DedupLeadingChars: c.cfg.Tree.DedupLeadingChars,
		Clock:             c.clk,
	}, s.emitTree)
	s.fs = fsproxy.New(c.rt, h, s.tree.Nudge)
	return s
}

// Authorize resolves the session an authenticated request addresses. The
// token must have been derived for the session and the requesting
// connection. Every failure is reported as ErrUnauthorized.
func (c *Controller) Authorize(connID string, auth protocol.Auth) (*Session, error) {
	s, ok := c.reg.ByID(auth.SessionID)
	if !ok || s.Closed() || s.ConnID() != connID {
		return nil, types.ErrUnauthorized
	}
	if !c.signer.Verify(auth.Token, s.id, connID) {
		return nil, types.ErrUnauthorized
	}
	return s, nil
}

// Disconnect is called when a connection drops. The bound session, if
// any, gets the disconnect grace period to be resumed.
func (c *Controller) Disconnect(connID string) {
	c.mu.Lock()
	delete(c.limiters, connID)
	c.mu.Unlock()

	if s, ok := c.reg.ByConn(connID); ok {
		s.detach(connID, c.cfg.Session.GetGracePeriod())
	}
}

// IdleTargets lists the live sessions for the idle monitor.
func (c *Controller) IdleTargets() []idle.Target {
	all := c.reg.All()
	out := make([]idle.Target, 0, len(all))
	for _, s := range all {
		out = append(out, s)
	}
	return out
}

// Shutdown terminates every session, waiting until ctx is done at most.
func (c *Controller) Shutdown(ctx context.Context) error {
	all := c.reg.All()
	if len(all) == 0 {
		return nil
	}
	logging.Info("Terminating sessions", logging.Int("count", len(all)))

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Terminate(ReasonShutdown)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(types.ErrTimeout, ctx.Err())
	}
}
