package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherhq/tether/internal/models"
)

func TestWatcherDestroysSessionsOnWorktreeRemoval(t *testing.T) {
	root := t.TempDir()
	worktreeDir := filepath.Join(root, "repo", "feature")
	require.NoError(t, os.MkdirAll(worktreeDir, 0755))

	r := newTestRegistry(t)
	session, err := r.Create(models.CreateSessionRequest{
		WorkingDirectory: worktreeDir,
		WorktreeID:       "repo/feature",
		Scope:            models.ScopeShell,
	})
	require.NoError(t, err)

	w, err := NewWorktreeWatcher(root, r)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.RemoveAll(worktreeDir))

	assert.Eventually(t, func() bool {
		_, exists := r.Get(session.ID)
		return !exists
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcherPicksUpNewRepoDirectories(t *testing.T) {
	root := t.TempDir()

	r := newTestRegistry(t)
	w, err := NewWorktreeWatcher(root, r)
	require.NoError(t, err)
	defer w.Close()

	// The repo directory appears after the watcher started.
	repoDir := filepath.Join(root, "repo")
	require.NoError(t, os.Mkdir(repoDir, 0755))
	time.Sleep(200 * time.Millisecond)

	worktreeDir := filepath.Join(repoDir, "main")
	require.NoError(t, os.Mkdir(worktreeDir, 0755))
	time.Sleep(200 * time.Millisecond)

	session, err := r.Create(models.CreateSessionRequest{
		WorkingDirectory: worktreeDir,
		WorktreeID:       "repo/main",
		Scope:            models.ScopeShell,
	})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(worktreeDir))

	assert.Eventually(t, func() bool {
		_, exists := r.Get(session.ID)
		return !exists
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresUnrelatedSessions(t *testing.T) {
	root := t.TempDir()
	doomed := filepath.Join(root, "doomed")
	require.NoError(t, os.Mkdir(doomed, 0755))

	r := newTestRegistry(t)
	survivor, err := r.Create(models.CreateSessionRequest{
		WorkingDirectory: t.TempDir(),
		WorktreeID:       "elsewhere",
		Scope:            models.ScopeShell,
	})
	require.NoError(t, err)

	w, err := NewWorktreeWatcher(root, r)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.RemoveAll(doomed))
	time.Sleep(300 * time.Millisecond)

	_, exists := r.Get(survivor.ID)
	assert.True(t, exists)
}
