package docker

import (
	"context"
	"fmt"
	"sync"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	rt "github.com/AjaxZhan/devspace/internal/runtime"
)

// shell is the interactive login shell of a session container, attached
// through a TTY exec so output arrives unmultiplexed.
type shell struct {
	resp   dockertypes.HijackedResponse
	cancel context.CancelFunc
	once   sync.Once
}

func (s *shell) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *shell) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *shell) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.resp.Close()
	})
	return nil
}

// openShell starts /bin/bash --login in the workspace and records its exec ID
// on the handle for resizing.
func (r *DockerRuntime) openShell(ctx context.Context, h *rt.Handle, env []string, cols, rows uint) (*shell, error) {
	opts := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{"/bin/bash", "--login"},
		WorkingDir:   h.WorkDir,
		Env:          env,
	}
	if cols > 0 && rows > 0 {
		opts.ConsoleSize = &[2]uint{rows, cols}
	}

	execResp, err := r.client.ContainerExecCreate(ctx, h.ID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create shell exec: %w", err)
	}

	// The shell outlives the provisioning request.
	shellCtx, cancel := context.WithCancel(context.Background())
	attachResp, err := r.client.ContainerExecAttach(shellCtx, execResp.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: opts.ConsoleSize,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach to shell: %w", err)
	}

	h.ShellID = execResp.ID
	sh := &shell{resp: attachResp, cancel: cancel}

	r.mu.Lock()
	r.shells[h.ID] = sh
	r.mu.Unlock()
	return sh, nil
}
