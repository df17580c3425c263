// Package runtime defines the interface for sandbox runtime implementations.
package runtime

import (
	"context"
	"io"

	"github.com/AjaxZhan/devspace/pkg/types"
)

// Label keys stamped on every sandbox for operator visibility and orphan reaping.
const (
	LabelSession = "devspace.session"
	LabelUser    = "devspace.user"
	LabelImage   = "devspace.image"
)

// ProvisionRequest describes the sandbox to create for one session.
type ProvisionRequest struct {
	SessionID string
	Username  string

	// Image overrides the configured default. It is still checked against
	// the allow-list.
	Image string

	// HostDir, when set, is bind-mounted as the workspace instead of the
	// sandbox's ephemeral writable layer.
	HostDir string

	// Initial terminal size. Zero values leave the engine default.
	Cols, Rows uint
}

// Handle identifies a provisioned sandbox and its interactive shell. The
// owning session is the only holder of a Handle.
type Handle struct {
	ID          string // engine id of the sandbox
	ShellID     string // engine id of the interactive shell, if any
	SessionID   string
	Image       string
	NetworkMode string
	WorkDir     string // in-sandbox workspace root
	HostDir     string // bound host directory, empty for ephemeral storage
}

// Shell is the interactive shell byte stream of a sandbox.
type Shell io.ReadWriteCloser

// StatsFunc receives one resource usage sample.
type StatsFunc func(types.Stat)

// Runtime defines the interface for sandbox runtime implementations.
// Different implementations (docker, bwrap) can be used interchangeably.
// Every method takes the Handle explicitly, so one Runtime serves all
// sessions concurrently.
type Runtime interface {
	// Name returns the name of this runtime implementation.
	Name() string

	// Provision creates and starts a sandbox and opens an interactive shell
	// bound to a pseudo-terminal. On failure nothing is left running.
	Provision(ctx context.Context, req *ProvisionRequest) (*Handle, Shell, error)

	// Resize changes the shell's terminal size.
	Resize(ctx context.Context, h *Handle, cols, rows uint) error

	// Exec runs a one-shot command (argument vector, no shell) inside the
	// sandbox and captures its output. Returns types.ErrSandboxNotFound if
	// the sandbox is gone.
	Exec(ctx context.Context, h *Handle, argv []string) (*types.ExecResult, error)

	// CopyTo extracts a tar stream into dir inside the sandbox.
	CopyTo(ctx context.Context, h *Handle, dir string, tarStream io.Reader) error

	// CopyFrom returns a tar stream of path inside the sandbox.
	CopyFrom(ctx context.Context, h *Handle, path string) (io.ReadCloser, error)

	// StreamStats subscribes to resource usage samples. onEnd is called at
	// most once when the stream ends for any reason other than stop. The
	// returned stop function is idempotent.
	StreamStats(ctx context.Context, h *Handle, onSample StatsFunc, onEnd func(error)) (stop func())

	// Destroy stops and removes the sandbox. It never fails; problems are logged.
	Destroy(ctx context.Context, h *Handle)

	// Close releases the runtime's own resources.
	Close() error
}

// Puller is implemented by runtimes that fetch images ahead of time.
type Puller interface {
	Pull(ctx context.Context, image string, progress func()) error
}

// Reaper is implemented by runtimes that can find sandboxes left behind by a
// previous process.
type Reaper interface {
	ReapOrphans(ctx context.Context) (int, error)
}
