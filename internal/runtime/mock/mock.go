// Package mock provides a mock implementation of the runtime.Runtime interface for testing.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/pkg/types"
)

// MockRuntime is an in-memory runtime.Runtime. Each sandbox gets its own
// in-memory workspace; Exec understands the small set of commands the
// filesystem proxy and tree scanner issue.
type MockRuntime struct {
	mu        sync.RWMutex
	sandboxes map[string]*sandbox
	seq       int
	now       func() time.Time

	provisioned atomic.Int64
	destroyed   atomic.Int64

	// Hooks for customizing behavior in tests
	OnProvision func(ctx context.Context, req *runtime.ProvisionRequest) error
	OnExec      func(ctx context.Context, h *runtime.Handle, argv []string) (*types.ExecResult, error)
	OnDestroy   func(h *runtime.Handle)
}

type sandbox struct {
	handle  *runtime.Handle
	fs      *memFS
	shell   *Shell
	resizes [][2]uint
	stats   []*statSub
	gone    bool
}

type statSub struct {
	onSample runtime.StatsFunc
	onEnd    func(error)
	stopped  atomic.Bool
}

// New creates a new MockRuntime.
func New() *MockRuntime {
	return &MockRuntime{
		sandboxes: make(map[string]*sandbox),
		now:       time.Now,
	}
}

// Name returns the name of this runtime implementation.
func (m *MockRuntime) Name() string {
	return "mock"
}

// Provision creates an in-memory sandbox with a scriptable shell.
func (m *MockRuntime) Provision(ctx context.Context, req *runtime.ProvisionRequest) (*runtime.Handle, runtime.Shell, error) {
	if m.OnProvision != nil {
		if err := m.OnProvision(ctx, req); err != nil {
			return nil, nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	image := req.Image
	if image == "" {
		image = "mock:latest"
	}
	h := &runtime.Handle{
		ID:          fmt.Sprintf("mock-%d", m.seq),
		ShellID:     fmt.Sprintf("mock-shell-%d", m.seq),
		SessionID:   req.SessionID,
		Image:       image,
		NetworkMode: "none",
		WorkDir:     "/workspace",
		HostDir:     req.HostDir,
	}
	sb := &sandbox{
		handle: h,
		fs:     newMemFS("/workspace", m.now),
		shell:  NewShell(),
	}
	m.sandboxes[h.ID] = sb
	m.provisioned.Add(1)
	return h, sb.shell, nil
}

func (m *MockRuntime) lookup(h *runtime.Handle) (*sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[h.ID]
	if !ok || sb.gone {
		return nil, fmt.Errorf("No such container: %s: %w", h.ID, types.ErrSandboxNotFound)
	}
	return sb, nil
}

// Resize records the requested terminal size.
func (m *MockRuntime) Resize(ctx context.Context, h *runtime.Handle, cols, rows uint) error {
	sb, err := m.lookup(h)
	if err != nil {
		return err
	}
	m.mu.Lock()
	sb.resizes = append(sb.resizes, [2]uint{cols, rows})
	m.mu.Unlock()
	return nil
}

// Exec runs a command against the in-memory workspace.
func (m *MockRuntime) Exec(ctx context.Context, h *runtime.Handle, argv []string) (*types.ExecResult, error) {
	if m.OnExec != nil {
		return m.OnExec(ctx, h, argv)
	}
	sb, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	return sb.fs.exec(argv), nil
}

// CopyTo extracts a tar stream into the in-memory workspace.
func (m *MockRuntime) CopyTo(ctx context.Context, h *runtime.Handle, dir string, tarStream io.Reader) error {
	sb, err := m.lookup(h)
	if err != nil {
		return err
	}
	return sb.fs.untar(dir, tarStream)
}

// CopyFrom returns a tar stream of a workspace path.
func (m *MockRuntime) CopyFrom(ctx context.Context, h *runtime.Handle, path string) (io.ReadCloser, error) {
	sb, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	return sb.fs.tar(path)
}

// StreamStats registers a subscriber that PushStat feeds.
func (m *MockRuntime) StreamStats(ctx context.Context, h *runtime.Handle, onSample runtime.StatsFunc, onEnd func(error)) func() {
	sb, err := m.lookup(h)
	if err != nil {
		if onEnd != nil {
			onEnd(err)
		}
		return func() {}
	}
	sub := &statSub{onSample: onSample, onEnd: onEnd}
	m.mu.Lock()
	sb.stats = append(sb.stats, sub)
	m.mu.Unlock()
	return func() { sub.stopped.Store(true) }
}

// Destroy marks the sandbox gone and ends its shell.
func (m *MockRuntime) Destroy(ctx context.Context, h *runtime.Handle) {
	m.mu.Lock()
	sb, ok := m.sandboxes[h.ID]
	if ok && !sb.gone {
		sb.gone = true
		m.destroyed.Add(1)
	}
	m.mu.Unlock()
	if ok {
		sb.shell.Close()
	}
	if m.OnDestroy != nil {
		m.OnDestroy(h)
	}
}

// Close is a no-op.
func (m *MockRuntime) Close() error {
	return nil
}

// =============================================================================
// Test helpers
// =============================================================================

// Provisioned returns how many sandboxes were created.
func (m *MockRuntime) Provisioned() int { return int(m.provisioned.Load()) }

// Destroyed returns how many sandboxes were destroyed.
func (m *MockRuntime) Destroyed() int { return int(m.destroyed.Load()) }

// Live returns the number of sandboxes not yet destroyed.
func (m *MockRuntime) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sb := range m.sandboxes {
		if !sb.gone {
			n++
		}
	}
	return n
}

// ShellOf returns the scriptable shell of a sandbox.
func (m *MockRuntime) ShellOf(h *runtime.Handle) *Shell {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sb, ok := m.sandboxes[h.ID]; ok {
		return sb.shell
	}
	return nil
}

// Resizes returns every (cols, rows) pair sent to a sandbox.
func (m *MockRuntime) Resizes(h *runtime.Handle) [][2]uint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sb, ok := m.sandboxes[h.ID]; ok {
		return append([][2]uint(nil), sb.resizes...)
	}
	return nil
}

// PushStat delivers a sample to every live stats subscriber of a sandbox.
func (m *MockRuntime) PushStat(h *runtime.Handle, stat types.Stat) {
	m.mu.RLock()
	var subs []*statSub
	if sb, ok := m.sandboxes[h.ID]; ok {
		subs = append(subs, sb.stats...)
	}
	m.mu.RUnlock()
	for _, s := range subs {
		if !s.stopped.Load() {
			s.onSample(stat)
		}
	}
}

// EndStats ends every live stats stream of a sandbox with err.
func (m *MockRuntime) EndStats(h *runtime.Handle, err error) {
	m.mu.RLock()
	var subs []*statSub
	if sb, ok := m.sandboxes[h.ID]; ok {
		subs = append(subs, sb.stats...)
	}
	m.mu.RUnlock()
	for _, s := range subs {
		if s.stopped.CompareAndSwap(false, true) && s.onEnd != nil {
			s.onEnd(err)
		}
	}
}

// Vanish simulates the engine losing the sandbox without Destroy.
func (m *MockRuntime) Vanish(h *runtime.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[h.ID]; ok {
		sb.gone = true
	}
}

// WriteFile seeds a file into a sandbox's workspace.
func (m *MockRuntime) WriteFile(h *runtime.Handle, path, content string) {
	m.mu.RLock()
	sb, ok := m.sandboxes[h.ID]
	m.mu.RUnlock()
	if ok {
		sb.fs.writeFile(path, []byte(content))
	}
}

// Mkdir seeds a directory into a sandbox's workspace.
func (m *MockRuntime) Mkdir(h *runtime.Handle, path string) {
	m.mu.RLock()
	sb, ok := m.sandboxes[h.ID]
	m.mu.RUnlock()
	if ok {
		sb.fs.mkdirAll(path)
	}
}

// Verify interface compliance at compile time
var _ runtime.Runtime = (*MockRuntime)(nil)
