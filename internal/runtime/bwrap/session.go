package bwrap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// shell is a bwrap process running a login shell on a pseudo-terminal.
type shell struct {
	cmd  *exec.Cmd
	pty  *os.File
	done atomic.Bool
	once sync.Once
}

func startShell(cmd *exec.Cmd, cols, rows uint) (*shell, error) {
	// Own process group so Destroy reaches every child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var size *pty.Winsize
	if cols > 0 && rows > 0 {
		size = &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
	}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	s := &shell{cmd: cmd, pty: ptmx}
	go func() {
		cmd.Wait()
		s.done.Store(true)
	}()
	return s, nil
}

func (s *shell) exited() bool {
	return s.done.Load()
}

// Read returns io.EOF once the shell has exited. Linux reports a closed
// pty slave as EIO.
func (s *shell) Read(p []byte) (int, error) {
	n, err := s.pty.Read(p)
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		err = io.EOF
	}
	return n, err
}

func (s *shell) Write(p []byte) (int, error) {
	return s.pty.Write(p)
}

func (s *shell) resize(cols, rows uint) error {
	return pty.Setsize(s.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close kills the whole process group and releases the pty.
func (s *shell) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			if pgid, err := unix.Getpgid(s.cmd.Process.Pid); err == nil {
				unix.Kill(-pgid, unix.SIGKILL)
			} else {
				s.cmd.Process.Kill()
			}
		}
		s.pty.Close()
	})
	return nil
}
