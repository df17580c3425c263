// Package bwrap provides a sandbox runtime implementation using bubblewrap (bwrap).
// The workspace always lives in a host directory bound into the sandbox, so
// file transfer works directly on the host side.
package bwrap

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/AjaxZhan/devspace/internal/logging"
	rt "github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/internal/security"
	"github.com/AjaxZhan/devspace/pkg/types"
)

// Config holds configuration for the BwrapRuntime.
type Config struct {
	// BwrapPath is the path to the bwrap binary (default: "bwrap")
	BwrapPath string

	// DefaultTimeout is the default timeout for one-shot commands
	DefaultTimeout time.Duration

	// WorkspacePath is where the host directory appears inside the sandbox
	WorkspacePath string

	// EnableNetworking allows network access in sandboxes
	EnableNetworking bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BwrapPath:      "bwrap",
		DefaultTimeout: 30 * time.Second,
		WorkspacePath:  "/workspace",
	}
}

// BwrapRuntime implements runtime.Runtime using bubblewrap.
type BwrapRuntime struct {
	mu     sync.RWMutex
	config *Config
	shells map[string]*shell // handle ID -> interactive shell
}

// New creates a new BwrapRuntime with the given configuration.
func New(config *Config) *BwrapRuntime {
	if config == nil {
		config = DefaultConfig()
	}
	if config.WorkspacePath == "" {
		config.WorkspacePath = "/workspace"
	}
	return &BwrapRuntime{
		config: config,
		shells: make(map[string]*shell),
	}
}

// Name returns the name of this runtime implementation.
func (r *BwrapRuntime) Name() string {
	return "bwrap"
}

// baseArgs returns the isolation flags shared by the shell and one-shot commands.
func (r *BwrapRuntime) baseArgs(hostDir string) []string {
	args := []string{
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind-try", "/lib64", "/lib64",
		"--ro-bind", "/bin", "/bin",
		"--ro-bind", "/sbin", "/sbin",
		"--ro-bind-try", "/etc", "/etc",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--unshare-pid",
		"--unshare-uts",
		"--unshare-ipc",
		"--die-with-parent",
	}

	// Network isolation
	if !r.config.EnableNetworking {
		args = append(args, "--unshare-net")
	}

	args = append(args,
		"--bind", hostDir, r.config.WorkspacePath,
		"--chdir", r.config.WorkspacePath,
	)
	return args
}

func sandboxEnv(req *rt.ProvisionRequest, workDir string) []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + workDir,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"TERM=xterm-256color",
		"WORKSPACE_DIR=" + workDir,
		"DEVSPACE_SESSION_ID=" + req.SessionID,
		"DEVSPACE_USER=" + req.Username,
	}
}

// Provision starts a login shell inside a fresh bwrap sandbox.
func (r *BwrapRuntime) Provision(ctx context.Context, req *rt.ProvisionRequest) (*rt.Handle, rt.Shell, error) {
	if req.HostDir == "" {
		return nil, nil, fmt.Errorf("bwrap runtime requires a host workspace directory: %w", types.ErrNotSupported)
	}
	hostDir, err := filepath.Abs(req.HostDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create host workspace: %w", err)
	}

	h := &rt.Handle{
		ID:          "bwrap-" + req.SessionID,
		SessionID:   req.SessionID,
		Image:       "host",
		NetworkMode: "none",
		WorkDir:     r.config.WorkspacePath,
		HostDir:     hostDir,
	}
	if r.config.EnableNetworking {
		h.NetworkMode = "host"
	}

	args := append(r.baseArgs(hostDir), "/bin/bash", "--login")
	cmd := exec.Command(r.config.BwrapPath, args...)
	cmd.Env = sandboxEnv(req, h.WorkDir)

	sh, err := startShell(cmd, req.Cols, req.Rows)
	if err != nil {
		return nil, nil, err
	}
	h.ShellID = fmt.Sprint(cmd.Process.Pid)

	r.mu.Lock()
	r.shells[h.ID] = sh
	r.mu.Unlock()

	logging.Info("Bwrap sandbox provisioned",
		logging.SessionID(req.SessionID),
		logging.String("host_dir", hostDir),
	)
	return h, sh, nil
}

func (r *BwrapRuntime) lookup(h *rt.Handle) (*shell, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh, ok := r.shells[h.ID]
	if !ok || sh.exited() {
		return nil, fmt.Errorf("No such container: %s: %w", h.ID, types.ErrSandboxNotFound)
	}
	return sh, nil
}

// Resize changes the shell's terminal size.
func (r *BwrapRuntime) Resize(ctx context.Context, h *rt.Handle, cols, rows uint) error {
	sh, err := r.lookup(h)
	if err != nil {
		return err
	}
	return sh.resize(cols, rows)
}

// Exec runs argv in a new sandbox sharing the session's workspace.
func (r *BwrapRuntime) Exec(ctx context.Context, h *rt.Handle, argv []string) (*types.ExecResult, error) {
	if _, err := r.lookup(h); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.DefaultTimeout)
	defer cancel()

	start := time.Now()
	args := append(r.baseArgs(h.HostDir), argv...)
	cmd := exec.CommandContext(ctx, r.config.BwrapPath, args...)
	cmd.Env = sandboxEnv(&rt.ProvisionRequest{SessionID: h.SessionID}, h.WorkDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	result := &types.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		// Check for timeout first - context deadline exceeded takes priority
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.ErrTimeout
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is not an error from our perspective
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return result, nil
}

// hostPath maps an in-sandbox path onto the bound host directory.
func (r *BwrapRuntime) hostPath(h *rt.Handle, p string) (string, error) {
	clean := filepath.Clean(p)
	ws := r.config.WorkspacePath
	if !security.Within(ws, clean) {
		return "", fmt.Errorf("%w: %s is outside the workspace", types.ErrInvalidPath, p)
	}
	return filepath.Join(h.HostDir, strings.TrimPrefix(clean, ws)), nil
}

// CopyTo extracts a tar stream into dir. Entries escaping dir are rejected.
func (r *BwrapRuntime) CopyTo(ctx context.Context, h *rt.Handle, dir string, tarStream io.Reader) error {
	if _, err := r.lookup(h); err != nil {
		return err
	}
	target, err := r.hostPath(h, dir)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(target); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", types.ErrNotDirectory, dir)
	}

	tr := tar.NewReader(tarStream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		dst := filepath.Join(target, hdr.Name)
		if !security.Within(target, dst) {
			return fmt.Errorf("%w: %s", types.ErrInvalidPath, hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			f.Close()
			if err != nil {
				return err
			}
		}
	}
}

// CopyFrom returns a tar stream of path, rooted at its base name.
func (r *BwrapRuntime) CopyFrom(ctx context.Context, h *rt.Handle, path string) (io.ReadCloser, error) {
	if _, err := r.lookup(h); err != nil {
		return nil, err
	}
	src, err := r.hostPath(h, path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(src); err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, path)
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		base := filepath.Dir(src)
		err := filepath.Walk(src, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.Mode().IsRegular() && !fi.IsDir() {
				return nil
			}
			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(base, p)
			hdr.Name = filepath.ToSlash(rel)
			if fi.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err == nil {
			err = tw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// StreamStats is not supported: bwrap has no per-sandbox accounting.
func (r *BwrapRuntime) StreamStats(ctx context.Context, h *rt.Handle, onSample rt.StatsFunc, onEnd func(error)) func() {
	if onEnd != nil {
		go onEnd(types.ErrNotSupported)
	}
	return func() {}
}

// Destroy kills the sandbox's process group. The host directory is left to
// the caller.
func (r *BwrapRuntime) Destroy(ctx context.Context, h *rt.Handle) {
	r.mu.Lock()
	sh := r.shells[h.ID]
	delete(r.shells, h.ID)
	r.mu.Unlock()
	if sh != nil {
		sh.Close()
	}
}

// Close kills every remaining sandbox.
func (r *BwrapRuntime) Close() error {
	r.mu.Lock()
	shells := r.shells
	r.shells = make(map[string]*shell)
	r.mu.Unlock()
	for _, sh := range shells {
		sh.Close()
	}
	return nil
}

// IsBwrapAvailable checks if bwrap is available on the system.
func IsBwrapAvailable() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := exec.LookPath("bwrap")
	return err == nil
}

// Verify interface compliance at compile time
var _ rt.Runtime = (*BwrapRuntime)(nil)
