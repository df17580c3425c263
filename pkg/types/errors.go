// Package types defines error types for the devspace service.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrSandboxNotFound = errors.New("sandbox not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrImageNotAllowed = errors.New("image not allowed")
	ErrDigestRequired  = errors.New("image digest pin required")
	ErrRateLimited     = errors.New("too many initialization attempts")
	ErrQuotaExceeded   = errors.New("session limit reached")
	ErrSessionActive   = errors.New("connection already has an active session")
	ErrUnauthorized    = errors.New("invalid request")
	ErrTimeout         = errors.New("operation timed out")
	ErrNotSupported    = errors.New("operation not supported by runtime")
	ErrInvalidPath     = errors.New("path required")
	ErrNotFound        = errors.New("not found")
	ErrNotDirectory    = errors.New("directory not found")
	ErrNotFile         = errors.New("not a file")
)

// SandboxError represents a sandbox-related error with context.
type SandboxError struct {
	SandboxID string
	Op        string
	Err       error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s: %s: %v", e.SandboxID, e.Op, e.Err)
}

func (e *SandboxError) Unwrap() error {
	return e.Err
}

// ExecError represents a command execution error.
type ExecError struct {
	SandboxID string
	Command   string
	ExitCode  int
	Stderr    string
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exec %q failed in sandbox %s: exit code %d: %s", e.Command, e.SandboxID, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("exec %q failed in sandbox %s: exit code %d", e.Command, e.SandboxID, e.ExitCode)
}

// OpError is a failed filesystem proxy operation. It is reported to the
// client as fs:error and never terminates the session.
type OpError struct {
	Op        string
	RequestID string
	Path      string
	Err       error
}

func (e *OpError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// FieldError is one failed constraint of an inbound payload.
type FieldError struct {
	Field string
	Rule  string
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%q failed %s", f.Field, f.Rule))
	}
	return strings.Join(parts, "; ")
}

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
