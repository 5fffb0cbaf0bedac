// Package client implements the reconnection engine: it creates sessions,
// caches their ids, reattaches across drops and reloads, and recovers or
// surfaces failures per close-reason class.
package client

import (
	"sync"

	"github.com/tetherhq/tether/internal/models"
)

// CacheKey identifies a logical terminal: which server, which worktree,
// which launch profile. One cached session id exists per key.
type CacheKey struct {
	Endpoint   string
	WorktreeID string
	Scope      models.Scope
}

// SessionStore caches last-known session ids so a client that reloads or
// backgrounds resumes the same shell instead of starting a new one. It is
// injected rather than global so tests can substitute a fake and assert
// eviction.
type SessionStore interface {
	Get(key CacheKey) (string, bool)
	Put(key CacheKey, sessionID string) error
	Delete(key CacheKey) error
}

// MemoryStore is an in-process SessionStore. Suitable for tests and for
// embedding clients that live as long as the UI process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[CacheKey]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[CacheKey]string)}
}

func (s *MemoryStore) Get(key CacheKey) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessions[key]
	return id, ok
}

func (s *MemoryStore) Put(key CacheKey, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = sessionID
	return nil
}

func (s *MemoryStore) Delete(key CacheKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}
