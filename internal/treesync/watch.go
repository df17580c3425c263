package treesync

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/AjaxZhan/devspace/internal/logging"
)

// Watch nudges the synchronizer whenever the bound host directory changes.
// It is a best-effort accelerator: if the watcher cannot be set up the
// periodic loop still covers the workspace, so Watch just returns.
// Watch blocks until ctx is done.
func (s *Synchronizer) Watch(ctx context.Context, hostDir string) {
	if hostDir == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Debug("fsnotify unavailable, polling only", logging.SessionID(s.h.SessionID), logging.Err(err))
		return
	}
	defer watcher.Close()

	if err := addRecursive(watcher, hostDir); err != nil {
		logging.Debug("fsnotify add failed, polling only", logging.SessionID(s.h.SessionID), logging.Err(err))
		return
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				// New directories need their own watch.
				_ = addRecursive(watcher, ev.Name)
			}
			s.Nudge("watch")
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}
