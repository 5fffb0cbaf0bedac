package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/logger"
	"github.com/tetherhq/tether/internal/models"
	"github.com/tetherhq/tether/internal/protocol"
	"github.com/tetherhq/tether/internal/recovery"
)

// ErrSessionNotFound is returned for operations on ids the registry does not
// know. Attach handlers translate it to the session-not-found close code.
var ErrSessionNotFound = errors.New("session not found")

// Conn is the registry's view of an attached transport connection. Handlers
// wrap the live WebSocket; tests substitute fakes.
type Conn interface {
	// WriteData delivers raw terminal bytes (a binary message).
	WriteData(p []byte) error
	// WriteControl delivers a control frame (a JSON text message).
	WriteControl(f protocol.Frame) error
	// Close ends the connection with an application close code.
	Close(code int, reason string) error
}

// Session binds one pty-backed process to at most one live connection.
//
// Lifecycle: created -> spawned -> (attached <-> detached)* -> exited or
// destroyed. The process is spawned lazily on first attach and never
// respawned; exited and destroyed are terminal and mutually exclusive.
type Session struct {
	ID               string
	Scope            models.Scope
	WorkingDirectory string
	WorktreeID       string
	StartupCommand   string
	CreatedAt        time.Time

	host   *ProcessHost
	buffer *OutputBuffer

	mu             sync.Mutex
	size           models.TerminalSize
	conn           Conn
	spawned        bool
	lastAttachedAt *time.Time
}

// Info snapshots the session for the REST API.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := models.SessionInfo{
		ID:               s.ID,
		Scope:            s.Scope,
		WorkingDirectory: s.WorkingDirectory,
		WorktreeID:       s.WorktreeID,
		Size:             s.size,
		Spawned:          s.spawned,
		Attached:         s.conn != nil,
		CreatedAt:        s.CreatedAt,
	}
	if s.lastAttachedAt != nil {
		t := *s.lastAttachedAt
		info.LastAttachedAt = &t
	}
	return info
}

// handleData is the single producer path for process output: every chunk is
// buffered, then forwarded to the attached connection if one exists. The
// append and the connection read happen under the session mutex so a chunk
// can never land both in an attach replay snapshot and in the live stream.
func (s *Session) handleData(chunk []byte) {
	s.mu.Lock()
	s.buffer.Append(chunk)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.WriteData(chunk); err != nil {
		logger.Debugf("session %s: dropping connection after write error: %v", s.ID, err)
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close(protocol.CloseCodeNormal, "")
	}
}

// Registry is the in-memory session table. Each session's output forwarding
// is independent; the registry lock only guards the table itself.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	subMu       sync.Mutex
	subscribers []func(models.SessionExit)

	bufferCap int
}

// NewRegistry creates an empty registry using the configured buffer cap.
func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		bufferCap: config.BufferCap(),
	}
}

// OnExit registers a callback invoked whenever a session's process exits.
// Callers use it to drive post-exit automation (hooks run elsewhere).
func (r *Registry) OnExit(fn func(models.SessionExit)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Create allocates a session record. The process is not spawned until the
// first attach. Missing working directories and unknown scopes fail here,
// synchronously, and nothing is registered.
func (r *Registry) Create(req models.CreateSessionRequest) (*Session, error) {
	if !req.Scope.Valid() {
		return nil, fmt.Errorf("unknown scope %q", req.Scope)
	}
	workDir := req.WorkingDirectory
	if workDir == "" {
		workDir = config.Runtime.WorkspaceDir
	}
	if !filepath.IsAbs(workDir) {
		return nil, fmt.Errorf("working directory must be absolute: %s", workDir)
	}
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrWorkdirMissing, workDir)
	}

	startupCommand := req.StartupCommand
	if startupCommand == "" {
		startupCommand = req.Scope.StartupCommand()
	}

	size := models.TerminalSize{Cols: req.Cols, Rows: req.Rows}
	if size.Cols == 0 || size.Rows == 0 {
		size = models.TerminalSize{Cols: 80, Rows: 24}
	}

	session := &Session{
		ID:               uuid.NewString(),
		Scope:            req.Scope,
		WorkingDirectory: workDir,
		WorktreeID:       req.WorktreeID,
		StartupCommand:   startupCommand,
		CreatedAt:        time.Now(),
		buffer:           NewOutputBuffer(r.bufferCap),
		size:             size,
	}
	session.host = NewProcessHost(workDir, config.Runtime.Shell, startupCommand, []string{
		"TETHER_SESSION_ID=" + session.ID,
	})

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	logger.Infof("created session %s (scope=%s, dir=%s)", session.ID, session.Scope, workDir)
	return session, nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns info for every registered session.
func (r *Registry) List() []models.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Latest returns the most recently created live session for a scope. Mobile
// clients use it to rediscover their session after a "session not found"
// close.
func (r *Registry) Latest(scope models.Scope) (models.SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *Session
	for _, s := range r.sessions {
		if s.Scope != scope {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return models.SessionInfo{}, false
	}
	return latest.Info(), true
}

// Attach takes connection ownership for a session: any previously attached
// connection is closed first (last attach wins), the process is spawned on
// first attach, and the full output buffer is replayed before any live
// output reaches the new connection.
func (r *Registry) Attach(id string, conn Conn) error {
	session, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}

	session.mu.Lock()

	if prev := session.conn; prev != nil {
		session.conn = nil
		logger.Debugf("session %s: closing previous connection (last attach wins)", id)
		_ = prev.Close(protocol.CloseCodeGoingAway, "replaced by newer connection")
	}

	if !session.spawned {
		if err := session.host.Start(session.size, session.handleData, func(code int) {
			r.handleExit(session, code)
		}); err != nil {
			session.mu.Unlock()
			// Precondition failures leave the session registered so the
			// caller can fix the environment and attach again; a pty start
			// failure removes it.
			if !errors.Is(err, ErrWorkdirMissing) && !errors.Is(err, ErrShellMissing) {
				r.remove(id)
			}
			return err
		}
		session.spawned = true
		logger.Infof("session %s: spawned %s in %s", id, config.Runtime.Shell, session.WorkingDirectory)
	}

	// Replay happens under the session mutex: handleData cannot interleave
	// live bytes before the buffered prefix has been written.
	if snapshot := session.buffer.Snapshot(); len(snapshot) > 0 {
		if err := conn.WriteData(snapshot); err != nil {
			session.mu.Unlock()
			return fmt.Errorf("failed to replay buffer: %w", err)
		}
	}

	now := time.Now()
	session.lastAttachedAt = &now
	session.conn = conn
	session.mu.Unlock()

	// Reapply the tracked size; resizes received while detached or before
	// spawn land here.
	_ = session.host.Resize(session.size.Cols, session.size.Rows)

	logger.Infof("session %s: connection attached", id)
	return nil
}

// Detach releases the connection if it is still the attached one. A late
// detach from a connection that has already been replaced is a no-op.
func (r *Registry) Detach(id string, conn Conn) {
	session, ok := r.Get(id)
	if !ok {
		return
	}
	session.mu.Lock()
	if session.conn == conn {
		session.conn = nil
		logger.Infof("session %s: connection detached", id)
	}
	session.mu.Unlock()
}

// Resize updates the tracked size and applies it to the pty if spawned.
func (r *Registry) Resize(id string, cols, rows uint16) bool {
	session, ok := r.Get(id)
	if !ok {
		return false
	}
	if cols == 0 || rows == 0 {
		return false
	}

	session.mu.Lock()
	session.size = models.TerminalSize{Cols: cols, Rows: rows}
	session.mu.Unlock()

	if err := session.host.Resize(cols, rows); err != nil {
		logger.Warnf("session %s: resize failed: %v", id, err)
	}
	return true
}

// Write forwards input bytes to the session's process.
func (r *Registry) Write(id string, p []byte) error {
	session, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	return session.host.Write(p)
}

// Destroy tears a session down: closes the attached connection, terminates
// the process, removes the record. Idempotent; returns false when the
// session is already gone.
func (r *Registry) Destroy(id string) bool {
	session, ok := r.remove(id)
	if !ok {
		return false
	}

	session.mu.Lock()
	conn := session.conn
	session.conn = nil
	session.mu.Unlock()

	if conn != nil {
		_ = conn.Close(protocol.CloseCodeNormal, "session destroyed")
	}
	session.host.Close()

	logger.Infof("destroyed session %s", id)
	return true
}

// DestroyAllFor removes every session belonging to a worktree. The worktree
// manager calls this when a worktree is deleted.
func (r *Registry) DestroyAllFor(worktreeID string) int {
	r.mu.RLock()
	var ids []string
	for id, s := range r.sessions {
		if s.WorktreeID == worktreeID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Destroy(id)
	}
	if len(ids) > 0 {
		logger.Infof("destroyed %d session(s) for worktree %s", len(ids), worktreeID)
	}
	return len(ids)
}

// DestroyAll tears down every session; used on server shutdown.
func (r *Registry) DestroyAll() {
	for _, info := range r.List() {
		r.Destroy(info.ID)
	}
}

// remove takes a session out of the table. Destroy and process exit race
// through here; only the winner proceeds with teardown, which is what keeps
// "exited" and "destroyed" mutually exclusive.
func (r *Registry) remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// handleExit runs once per session when its process terminates: the exit
// frame is delivered to the attached connection, the connection is closed,
// the record removed, and subscribers notified.
func (r *Registry) handleExit(session *Session, code int) {
	if _, ok := r.remove(session.ID); !ok {
		// Already destroyed; exit reporting belongs to the destroy path's
		// absence, not here.
		return
	}

	logger.Infof("session %s: process exited with code %d", session.ID, code)

	session.mu.Lock()
	conn := session.conn
	session.conn = nil
	session.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(protocol.Exit(code))
		_ = conn.Close(protocol.CloseCodeNormal, "process exited")
	}
	session.host.Close()

	exit := models.SessionExit{
		SessionID:  session.ID,
		WorktreeID: session.WorktreeID,
		Scope:      session.Scope,
		ExitCode:   code,
	}
	r.subMu.Lock()
	subscribers := make([]func(models.SessionExit), len(r.subscribers))
	copy(subscribers, r.subscribers)
	r.subMu.Unlock()

	for _, fn := range subscribers {
		fn := fn
		recovery.SafeGo("exit-subscriber", func() {
			fn(exit)
		})
	}
}
