package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/tetherhq/tether/internal/logger"
	"github.com/tetherhq/tether/internal/recovery"
)

// WorktreeWatcher observes the workspace root and destroys every session
// whose worktree directory disappears. Worktree ids are the directory path
// relative to the workspace root ("repo" or "repo/branch").
type WorktreeWatcher struct {
	root     string
	registry *Registry
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWorktreeWatcher watches root and its immediate repo directories.
func NewWorktreeWatcher(root string, registry *Registry) (*WorktreeWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &WorktreeWatcher{
		root:     root,
		registry: registry,
		watcher:  fw,
		done:     make(chan struct{}),
	}

	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}

	// Worktrees live one level down (repo/branch), so each existing repo
	// directory is watched too.
	entries, err := os.ReadDir(root)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = fw.Add(filepath.Join(root, entry.Name()))
			}
		}
	}

	recovery.SafeGo("worktree-watcher", w.run)
	return w, nil
}

func (w *WorktreeWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("worktree watcher error: %v", err)
		}
	}
}

func (w *WorktreeWatcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	switch {
	case event.Op&fsnotify.Create != 0:
		// A new repo directory at the top level becomes a watch target so
		// its branch worktrees are covered.
		if !strings.Contains(rel, string(filepath.Separator)) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				_ = w.watcher.Add(event.Name)
			}
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		worktreeID := filepath.ToSlash(rel)
		if n := w.registry.DestroyAllFor(worktreeID); n > 0 {
			logger.Infof("worktree %s removed, destroyed %d session(s)", worktreeID, n)
		}
	}
}

// Close stops the watcher.
func (w *WorktreeWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
