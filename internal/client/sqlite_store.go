package client

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists cached session ids across client restarts. The CLI
// uses it so `tether attach` after a reboot reattaches to the same session
// the server kept alive.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the cache database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session cache: %w", err)
	}

	// A single writer at a time; the engine is the only mutator.
	db.SetMaxOpenConns(1)

	schema := `
CREATE TABLE IF NOT EXISTS cached_sessions (
	endpoint    TEXT NOT NULL,
	worktree_id TEXT NOT NULL,
	scope       TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (endpoint, worktree_id, scope)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate session cache: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key CacheKey) (string, bool) {
	var id string
	err := s.db.QueryRow(
		`SELECT session_id FROM cached_sessions WHERE endpoint = ? AND worktree_id = ? AND scope = ?`,
		key.Endpoint, key.WorktreeID, string(key.Scope),
	).Scan(&id)
	if err != nil {
		// sql.ErrNoRows and a broken cache cost the same: a fresh session.
		return "", false
	}
	return id, true
}

func (s *SQLiteStore) Put(key CacheKey, sessionID string) error {
	_, err := s.db.Exec(
		`INSERT INTO cached_sessions (endpoint, worktree_id, scope, session_id, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (endpoint, worktree_id, scope)
		 DO UPDATE SET session_id = excluded.session_id, updated_at = CURRENT_TIMESTAMP`,
		key.Endpoint, key.WorktreeID, string(key.Scope), sessionID,
	)
	return err
}

func (s *SQLiteStore) Delete(key CacheKey) error {
	_, err := s.db.Exec(
		`DELETE FROM cached_sessions WHERE endpoint = ? AND worktree_id = ? AND scope = ?`,
		key.Endpoint, key.WorktreeID, string(key.Scope),
	)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ SessionStore = (*SQLiteStore)(nil)
var _ SessionStore = (*MemoryStore)(nil)
