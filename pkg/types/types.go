// Package types defines the core domain types for the devspace service.
package types

import (
	"fmt"
	"time"
)

// RuntimeType selects the sandbox runtime implementation.
type RuntimeType string

const (
	RuntimeDocker RuntimeType = "docker"
	RuntimeBwrap  RuntimeType = "bwrap"
	RuntimeMock   RuntimeType = "mock"
)

// SessionState is the lifecycle state of a workspace session.
type SessionState string

const (
	SessionNew          SessionState = "new"
	SessionRunning      SessionState = "running"
	SessionDisconnected SessionState = "disconnected"
	SessionTerminated   SessionState = "terminated"
)

// Exit codes reported in terminal:exit.
const (
	ExitNormal = 0
	ExitKilled = 137
)

// ResourceLimits holds the per-sandbox resource ceilings.
type ResourceLimits struct {
	Memory    int64 `json:"memory,omitempty"`    // bytes
	NanoCPUs  int64 `json:"nanoCpus,omitempty"`  // 1e9 == one CPU
	PidsLimit int64 `json:"pidsLimit,omitempty"` // max processes
}

// Stat is one resource usage sample of a sandbox.
type Stat struct {
	CPUPercent float64   `json:"cpuPercent"`
	MemUsed    uint64    `json:"memUsed"`
	MemLimit   uint64    `json:"memLimit"`
	MemPercent float64   `json:"memPercent"`
	At         time.Time `json:"-"`
}

// ExecResult represents the result of a one-shot command inside a sandbox.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Combined returns stdout followed by stderr.
func (r *ExecResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

// EntryType is the kind of a filesystem entry.
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
)

// FileEntry describes one entry of a directory listing or a stat result.
type FileEntry struct {
	Name  string    `json:"name"`
	Path  string    `json:"path"`
	Type  EntryType `json:"type"`
	IsDir bool      `json:"isDir"`
	Size  int64     `json:"size"`
	Mtime int64     `json:"mtime"` // unix milliseconds
}

// FileContent is the result of reading a file through the filesystem proxy.
type FileContent struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

// Tree is a file tree snapshot. Directories map to a non-nil Tree, files map to nil.
type Tree map[string]Tree

// Plain converts the tree to nested map[string]any values with nil for
// files, for encoders that cannot handle a self-referential map type.
func (t Tree) Plain() any {
	if t == nil {
		return nil
	}
	m := make(map[string]any, len(t))
	for name, child := range t {
		m[name] = child.Plain()
	}
	return m
}

// TreeFromPlain is the inverse of Plain. Maps keyed by any, as produced by
// generic CBOR decoding, are accepted when every key is a string.
func TreeFromPlain(v any) (Tree, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		t := make(Tree, len(v))
		for name, child := range v {
			sub, err := TreeFromPlain(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			t[name] = sub
		}
		return t, nil
	case map[any]any:
		t := make(Tree, len(v))
		for key, child := range v {
			name, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("tree key has type %T", key)
			}
			sub, err := TreeFromPlain(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			t[name] = sub
		}
		return t, nil
	default:
		return nil, fmt.Errorf("tree entry has type %T", v)
	}
}

// IsEmpty reports whether the tree has no entries.
func (t Tree) IsEmpty() bool {
	return len(t) == 0
}

// Count returns the total number of entries in the tree.
func (t Tree) Count() int {
	n := 0
	for _, child := range t {
		n++
		if child != nil {
			n += child.Count()
		}
	}
	return n
}
