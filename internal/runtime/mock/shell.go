package mock

import (
	"bytes"
	"io"
	"sync"
)

// Shell is a scriptable interactive shell. Tests inject output with Emit
// and inspect input with Written.
type Shell struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

// NewShell returns an open shell.
func NewShell() *Shell {
	pr, pw := io.Pipe()
	return &Shell{pr: pr, pw: pw}
}

// Read returns shell output.
func (s *Shell) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Write records terminal input.
func (s *Shell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.written.Write(p)
}

// Close ends the shell; pending reads return io.EOF.
func (s *Shell) Close() error {
	s.End(nil)
	return nil
}

// Emit writes output as if the shell printed it. It blocks until read.
func (s *Shell) Emit(out string) error {
	_, err := s.pw.Write([]byte(out))
	return err
}

// End terminates the output stream with err (io.EOF when nil).
func (s *Shell) End(err error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pw.CloseWithError(err)
}

// Written returns everything written to the shell so far.
func (s *Shell) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// Closed reports whether the shell has ended.
func (s *Shell) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
