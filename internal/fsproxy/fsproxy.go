// Package fsproxy performs workspace file operations inside a session's
// sandbox. Every path is confined to the workspace root, and every mutation
// nudges the tree synchronizer.
package fsproxy

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/internal/security"
	"github.com/AjaxZhan/devspace/pkg/types"
)

// MaxReadBytes is the largest prefix returned by Read.
const MaxReadBytes = 256 * 1024

// Operation tags reported in fs:error.
const (
	OpList      = "list"
	OpRead      = "read"
	OpWrite     = "write"
	OpCreateDir = "createDir"
	OpDelete    = "delete"
	OpRename    = "rename"
	OpDownload  = "download"
)

// NudgeFunc requests a debounced tree rescan.
type NudgeFunc func(reason string)

// Proxy runs filesystem operations against one sandbox.
type Proxy struct {
	rt    runtime.Runtime
	h     *runtime.Handle
	root  string
	nudge NudgeFunc
	now   func() time.Time
}

// New returns a Proxy rooted at the handle's workspace directory. nudge may be nil.
func New(rt runtime.Runtime, h *runtime.Handle, nudge NudgeFunc) *Proxy {
	if nudge == nil {
		nudge = func(string) {}
	}
	return &Proxy{rt: rt, h: h, root: h.WorkDir, nudge: nudge, now: time.Now}
}

// Root returns the in-sandbox workspace root.
func (p *Proxy) Root() string { return p.root }

// Resolve maps a client path onto an absolute in-sandbox path that cannot
// leave the workspace.
func (p *Proxy) Resolve(rel string) string {
	return security.ResolvePath(p.root, rel)
}

func opErr(op, rel string, err error) error {
	return &types.OpError{Op: op, Path: security.SanitizeRelPath(rel), Err: err}
}

// run executes argv and turns a non-zero exit into an error built from stderr.
func (p *Proxy) run(ctx context.Context, argv ...string) (string, error) {
	res, err := p.rt.Exec(ctx, p.h, argv)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("%s exited with code %d", argv[0], res.ExitCode)
		}
		if strings.Contains(msg, "No such file or directory") {
			return "", fmt.Errorf("%w: %s", types.ErrNotFound, msg)
		}
		return "", errors.New(msg)
	}
	return res.Stdout, nil
}

// List returns the entries of a directory, directories first, then by name.
func (p *Proxy) List(ctx context.Context, rel string) ([]types.FileEntry, error) {
	abs := p.Resolve(rel)
	kind, err := p.run(ctx, "stat", "-c", "%F", "--", abs)
	if err != nil {
		return nil, opErr(OpList, rel, types.ErrNotDirectory)
	}
	if strings.TrimSpace(kind) != "directory" {
		return nil, opErr(OpList, rel, types.ErrNotDirectory)
	}

	out, err := p.run(ctx, "find", abs, "-mindepth", "1", "-maxdepth", "1", "-printf", `%y|%s|%T@|%f\0`)
	if err != nil {
		return nil, opErr(OpList, rel, err)
	}

	base := security.SanitizeRelPath(rel)
	var entries []types.FileEntry
	for _, rec := range strings.Split(out, "\x00") {
		e, ok := parseListRecord(rec)
		if !ok {
			continue
		}
		e.Path = path.Join(base, e.Name)
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	if entries == nil {
		entries = []types.FileEntry{}
	}
	return entries, nil
}

// parseListRecord parses "type|size|mtime|name". Names may contain '|'.
func parseListRecord(rec string) (types.FileEntry, bool) {
	parts := strings.SplitN(rec, "|", 4)
	if len(parts) != 4 || parts[3] == "" {
		return types.FileEntry{}, false
	}
	e := types.FileEntry{Name: parts[3], Type: types.EntryFile}
	if parts[0] == "d" {
		e.Type, e.IsDir = types.EntryDirectory, true
	}
	e.Size, _ = strconv.ParseInt(parts[1], 10, 64)
	if secs, err := strconv.ParseFloat(parts[2], 64); err == nil {
		e.Mtime = int64(secs * 1000)
	}
	return e, true
}

// statFile returns kind, size and mtime (unix ms) of an absolute path.
func (p *Proxy) statFile(ctx context.Context, abs string) (string, int64, int64, error) {
	out, err := p.run(ctx, "stat", "-c", "%F|%s|%Y", "--", abs)
	if err != nil {
		return "", 0, 0, err
	}
	parts := strings.Split(strings.TrimSpace(out), "|")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("unexpected stat output %q", out)
	}
	size, _ := strconv.ParseInt(parts[1], 10, 64)
	secs, _ := strconv.ParseInt(parts[2], 10, 64)
	return parts[0], size, secs * 1000, nil
}

// Read returns up to MaxReadBytes of a regular file.
func (p *Proxy) Read(ctx context.Context, rel string) (*types.FileContent, error) {
	if security.SanitizeRelPath(rel) == "" {
		return nil, opErr(OpRead, rel, types.ErrInvalidPath)
	}
	abs := p.Resolve(rel)
	kind, size, _, err := p.statFile(ctx, abs)
	if err != nil {
		return nil, opErr(OpRead, rel, err)
	}
	if !strings.HasPrefix(kind, "regular") {
		return nil, opErr(OpRead, rel, types.ErrNotFile)
	}

	content, err := p.run(ctx, "head", "-c", strconv.Itoa(MaxReadBytes), "--", abs)
	if err != nil {
		return nil, opErr(OpRead, rel, err)
	}
	return &types.FileContent{
		Path:      security.SanitizeRelPath(rel),
		Content:   content,
		Size:      size,
		Truncated: size > MaxReadBytes,
	}, nil
}

// Write creates or replaces a file, creating parent directories.
func (p *Proxy) Write(ctx context.Context, rel, content string) (*types.FileEntry, error) {
	clean := security.SanitizeRelPath(rel)
	if clean == "" {
		return nil, opErr(OpWrite, rel, types.ErrInvalidPath)
	}
	abs := p.Resolve(clean)
	parent := path.Dir(abs)

	if _, err := p.run(ctx, "mkdir", "-p", "--", parent); err != nil {
		return nil, opErr(OpWrite, rel, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:     path.Base(abs),
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  p.now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, opErr(OpWrite, rel, err)
	}
	if _, err := io.WriteString(tw, content); err != nil {
		return nil, opErr(OpWrite, rel, err)
	}
	if err := tw.Close(); err != nil {
		return nil, opErr(OpWrite, rel, err)
	}
	if err := p.rt.CopyTo(ctx, p.h, parent, &buf); err != nil {
		return nil, opErr(OpWrite, rel, err)
	}
	p.nudge(OpWrite)

	entry := &types.FileEntry{Name: path.Base(abs), Path: clean, Type: types.EntryFile, Size: int64(len(content))}
	if _, size, mtime, err := p.statFile(ctx, abs); err == nil {
		entry.Size, entry.Mtime = size, mtime
	}
	return entry, nil
}

// Mkdir creates a directory and its parents.
func (p *Proxy) Mkdir(ctx context.Context, rel string) error {
	if security.SanitizeRelPath(rel) == "" {
		return opErr(OpCreateDir, rel, types.ErrInvalidPath)
	}
	if _, err := p.run(ctx, "mkdir", "-p", "--", p.Resolve(rel)); err != nil {
		return opErr(OpCreateDir, rel, err)
	}
	p.nudge(OpCreateDir)
	return nil
}

// Delete removes a path recursively. Removing something already gone succeeds.
// The workspace root itself cannot be deleted.
func (p *Proxy) Delete(ctx context.Context, rel string) error {
	if security.SanitizeRelPath(rel) == "" {
		return opErr(OpDelete, rel, types.ErrInvalidPath)
	}
	if _, err := p.run(ctx, "rm", "-rf", "--", p.Resolve(rel)); err != nil {
		return opErr(OpDelete, rel, err)
	}
	p.nudge(OpDelete)
	return nil
}

// Rename moves from to to, creating the destination's parent directories.
func (p *Proxy) Rename(ctx context.Context, from, to string) error {
	if security.SanitizeRelPath(from) == "" || security.SanitizeRelPath(to) == "" {
		return opErr(OpRename, from, types.ErrInvalidPath)
	}
	src, dst := p.Resolve(from), p.Resolve(to)
	if _, err := p.run(ctx, "mkdir", "-p", "--", path.Dir(dst)); err != nil {
		return opErr(OpRename, from, err)
	}
	if _, err := p.run(ctx, "mv", "-f", "--", src, dst); err != nil {
		return opErr(OpRename, from, err)
	}
	p.nudge(OpRename)
	return nil
}

// Archive returns a tar stream of a workspace path for download.
func (p *Proxy) Archive(ctx context.Context, rel string) (io.ReadCloser, error) {
	rc, err := p.rt.CopyFrom(ctx, p.h, p.Resolve(rel))
	if err != nil {
		return nil, opErr(OpDownload, rel, err)
	}
	return rc, nil
}
