package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/logger"
	"github.com/tetherhq/tether/internal/models"
	"github.com/tetherhq/tether/internal/protocol"
)

// State is the externally visible engine state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAttached
	// StateExited means the session's process terminated; the engine will
	// not recover on its own.
	StateExited
	// StateStopped means auto-recovery gave up or was told not to try;
	// the reason string says why and what the user can do.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAttached:
		return "attached"
	case StateExited:
		return "exited"
	case StateStopped:
		return "stopped"
	}
	return "idle"
}

// Options configures an Engine. Zero-valued tunables fall back to the
// config package defaults.
type Options struct {
	Endpoint         string
	WorkingDirectory string
	WorktreeID       string
	Scope            models.Scope
	Size             models.TerminalSize
	StartupCommand   string

	Store  SessionStore
	Tokens TokenSource

	StabilityWindow      time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration

	// DisableHeartbeat turns the liveness probe off. It is on for every
	// variant; half-open connections are otherwise invisible until the
	// next write.
	DisableHeartbeat bool

	// DiscoverLatest makes the engine ask the server for the newest
	// session of its scope before creating a fresh one when the local
	// cache is empty. The mobile variant enables this.
	DiscoverLatest bool

	OnData  func([]byte)
	OnExit  func(exitCode int)
	OnState func(state State, reason string)
}

func (o *Options) applyDefaults() {
	if o.Store == nil {
		o.Store = NewMemoryStore()
	}
	if o.StabilityWindow == 0 {
		o.StabilityWindow = config.StabilityWindow()
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = config.HeartbeatInterval()
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = config.HeartbeatTimeout()
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = config.MaxReconnectAttempts()
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = config.ReconnectBaseDelay()
	}
	if o.Size.Cols == 0 || o.Size.Rows == 0 {
		o.Size = models.TerminalSize{Cols: 80, Rows: 24}
	}
}

// errSuperseded marks work abandoned because a newer Connect arrived.
var errSuperseded = errors.New("superseded by newer connect")

type attachOutcome int

const (
	// outcomeStale: a newer generation took over mid-flight.
	outcomeStale attachOutcome = iota
	// outcomeDialFailed: the connection never opened. A transport-level
	// error that says nothing about the session's health; retried with
	// backoff, never purged or destroyed.
	outcomeDialFailed
	// outcomeUnstable: the connection opened and then closed inside the
	// stability window. For reused ids this means the server-side session
	// is gone.
	outcomeUnstable
	// outcomeExited: the exit control frame arrived; the session is over.
	outcomeExited
	// outcomeClosed: a stable connection ended; the close class decides
	// recovery.
	outcomeClosed
)

// Engine makes "connect to this logical terminal" idempotent and race-safe.
// Every Connect bumps a generation counter; callbacks and state mutations
// belonging to an earlier generation are discarded on arrival, so
// overlapping Connect/Disconnect calls never need a lock around the whole
// state machine.
type Engine struct {
	opts Options
	api  *API
	key  CacheKey

	generation atomic.Int64

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
	state     State
	lastPong  time.Time
	cancel    context.CancelFunc
}

// NewEngine creates an engine for one logical terminal view.
func NewEngine(opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		opts: opts,
		api:  NewAPI(opts.Endpoint, opts.Tokens),
		key: CacheKey{
			Endpoint:   opts.Endpoint,
			WorktreeID: opts.WorktreeID,
			Scope:      opts.Scope,
		},
	}
}

// SessionID returns the id of the session the engine currently targets.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Connect starts (or restarts) the connection state machine. Any in-flight
// work from a previous Connect is abandoned via the generation bump. Safe
// to call at any time from any goroutine.
func (e *Engine) Connect(ctx context.Context) {
	g := e.generation.Add(1)

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel = cancel
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	go e.run(runCtx, g)
}

// Disconnect abandons all in-flight work and closes the connection without
// touching the server-side session.
func (e *Engine) Disconnect() {
	e.generation.Add(1)

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	conn := e.conn
	e.conn = nil
	e.state = StateIdle
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Destroy disconnects and destroys the server-side session, purging the
// cache entry.
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	id := e.sessionID
	e.mu.Unlock()

	e.Disconnect()
	_ = e.opts.Store.Delete(e.key)
	if id == "" {
		return nil
	}
	_, err := e.api.DestroySession(ctx, id)
	return err
}

// Send forwards raw input bytes to the attached session.
func (e *Engine) Send(p []byte) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not attached")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, p)
}

// Resize sends a resize control frame.
func (e *Engine) Resize(cols, rows uint16) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not attached")
	}
	return e.writeFrame(conn, protocol.Resize(cols, rows))
}

func (e *Engine) writeFrame(conn *websocket.Conn, f protocol.Frame) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, f.Marshal())
}

func (e *Engine) stale(g int64) bool {
	return e.generation.Load() != g
}

// setState applies a state transition only if the generation is still
// current; stale transitions are dropped before any UI-visible effect.
func (e *Engine) setState(g int64, state State, reason string) {
	if e.stale(g) {
		return
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	if e.opts.OnState != nil {
		e.opts.OnState(state, reason)
	}
}

// run is one generation's life: resolve a session id, then attach/recover
// until a terminal outcome.
func (e *Engine) run(ctx context.Context, g int64) {
	e.setState(g, StateConnecting, "")

	sessionID, reused := "", false
	if id, ok := e.opts.Store.Get(e.key); ok {
		sessionID, reused = id, true
	}

	if sessionID == "" && e.opts.DiscoverLatest {
		if info, ok, err := e.api.LatestSession(ctx, e.opts.Scope); err == nil && ok {
			sessionID, reused = info.ID, true
			_ = e.opts.Store.Put(e.key, info.ID)
			logger.Debugf("discovered latest %s session %s", e.opts.Scope, info.ID)
		}
	}

	if sessionID == "" {
		id, err := e.createSession(ctx, g)
		if err != nil {
			if !errors.Is(err, errSuperseded) {
				e.setState(g, StateStopped, fmt.Sprintf("failed to create session: %v", err))
			}
			return
		}
		sessionID = id
	}

	attempt := 0
	for {
		if e.stale(g) || ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		e.sessionID = sessionID
		e.mu.Unlock()

		outcome, closeErr := e.attachOnce(ctx, g, sessionID)
		switch outcome {
		case outcomeStale:
			return

		case outcomeExited:
			return

		case outcomeDialFailed:
			// The session was never reached, so its health is unknown;
			// keep the cache entry and retry.
			logger.Debugf("dial to session %s failed: %v", sessionID, closeErr)
			attempt++
			if !e.retryAfterBackoff(ctx, g, attempt) {
				return
			}
			continue

		case outcomeUnstable:
			if reused {
				// The server accepted the attach and immediately dropped
				// it: the cached session is stale. Purge, destroy what is
				// left of it, and fall through to fresh creation.
				logger.Debugf("cached session %s failed to stabilize, recreating", sessionID)
				_ = e.opts.Store.Delete(e.key)
				e.destroyQuietly(sessionID)

				id, err := e.createSession(ctx, g)
				if err != nil {
					if !errors.Is(err, errSuperseded) {
						e.setState(g, StateStopped, fmt.Sprintf("failed to create session: %v", err))
					}
					return
				}
				sessionID, reused = id, false
				continue
			}
			// A fresh session that cannot stabilize is surfaced, not
			// retried in a loop.
			e.setState(g, StateStopped, fmt.Sprintf("connection failed to stabilize: %v", closeErr))
			return

		case outcomeClosed:
			// The connection was stable before it died; any future
			// unstable close on this id goes through the stale-reuse path.
			reused = true

			switch class := protocol.Classify(closeErr); class {
			case protocol.CloseNormal:
				e.setState(g, StateIdle, "connection closed")
				return

			case protocol.CloseForbidden:
				e.setState(g, StateStopped, "access to this project or scope was denied")
				return

			case protocol.CloseNotFound:
				_ = e.opts.Store.Delete(e.key)
				if info, ok, err := e.api.LatestSession(ctx, e.opts.Scope); err == nil && ok {
					logger.Debugf("session %s gone, switching to latest %s", sessionID, info.ID)
					sessionID = info.ID
					_ = e.opts.Store.Put(e.key, info.ID)
					continue
				}
				e.setState(g, StateStopped, "session no longer exists; start a new session to continue")
				return

			case protocol.CloseAuthExpired:
				if _, err := e.api.Tokens.Refresh(ctx); err != nil {
					e.setState(g, StateStopped, fmt.Sprintf("authentication expired: %v", err))
					return
				}
				logger.Debug("token refreshed, reattaching")
				continue

			default: // transient
				attempt++
				if !e.retryAfterBackoff(ctx, g, attempt) {
					return
				}
				continue
			}
		}
	}
}

// retryAfterBackoff waits out the linear backoff for attempt. It returns
// false when the attempt bound is exhausted or the context ended, after
// surfacing the stop.
func (e *Engine) retryAfterBackoff(ctx context.Context, g int64, attempt int) bool {
	if attempt > e.opts.MaxReconnectAttempts {
		e.setState(g, StateStopped, "reconnect attempts exhausted; reconnect manually")
		return false
	}
	e.setState(g, StateConnecting, fmt.Sprintf("reconnecting (attempt %d)", attempt))
	select {
	case <-time.After(time.Duration(attempt) * e.opts.ReconnectBaseDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// createSession asks the registry for a fresh session. A create response
// that lands after a generation bump is destroyed rather than adopted.
func (e *Engine) createSession(ctx context.Context, g int64) (string, error) {
	info, err := e.api.CreateSession(ctx, models.CreateSessionRequest{
		WorkingDirectory: e.opts.WorkingDirectory,
		WorktreeID:       e.opts.WorktreeID,
		Scope:            e.opts.Scope,
		Cols:             e.opts.Size.Cols,
		Rows:             e.opts.Size.Rows,
		StartupCommand:   e.opts.StartupCommand,
	})
	if err != nil {
		return "", err
	}
	if e.stale(g) {
		e.destroyQuietly(info.ID)
		return "", errSuperseded
	}
	_ = e.opts.Store.Put(e.key, info.ID)
	return info.ID, nil
}

func (e *Engine) destroyQuietly(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.api.DestroySession(ctx, sessionID); err != nil {
		logger.Debugf("best-effort destroy of %s failed: %v", sessionID, err)
	}
}

// attachOnce dials the session, enforces the stability window, pumps
// messages until the connection ends, and reports how it ended.
func (e *Engine) attachOnce(ctx context.Context, g int64, sessionID string) (attachOutcome, error) {
	urlStr, err := e.api.AttachURL(ctx, sessionID)
	if err != nil {
		return outcomeDialFailed, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		return outcomeDialFailed, err
	}

	if e.stale(g) {
		_ = conn.Close()
		return outcomeStale, nil
	}

	e.mu.Lock()
	e.conn = conn
	e.lastPong = time.Now()
	e.mu.Unlock()

	done := make(chan struct{})
	defer close(done)

	// The connection is only trusted once it survives the stability
	// window; servers that accept a stale id and then drop it close
	// earlier than this.
	var stable atomic.Bool
	stabilityTimer := time.AfterFunc(e.opts.StabilityWindow, func() {
		if e.stale(g) {
			return
		}
		stable.Store(true)
		_ = e.opts.Store.Put(e.key, sessionID)
		e.setState(g, StateAttached, "")
		if !e.opts.DisableHeartbeat {
			go e.heartbeat(g, conn, done)
		}
	})
	defer stabilityTimer.Stop()

	// Announce our size; resizes sent while detached never reached the
	// server.
	_ = e.writeFrame(conn, protocol.Resize(e.opts.Size.Cols, e.opts.Size.Rows))

	exited := false
	exitCode := 0
	var readErr error

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if e.stale(g) {
			break
		}

		switch messageType {
		case websocket.BinaryMessage:
			if e.opts.OnData != nil {
				e.opts.OnData(data)
			}
		case websocket.TextMessage:
			frame, ok := protocol.Parse(data)
			if !ok {
				if e.opts.OnData != nil {
					e.opts.OnData(data)
				}
				continue
			}
			switch frame.Type {
			case protocol.FrameExit:
				exited = true
				exitCode = frame.ExitCode
			case protocol.FramePong:
				e.mu.Lock()
				e.lastPong = time.Now()
				e.mu.Unlock()
			case protocol.FramePing:
				_ = e.writeFrame(conn, protocol.Pong())
			}
		}
		if exited {
			break
		}
	}

	_ = conn.Close()
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()

	if e.stale(g) {
		return outcomeStale, nil
	}

	if exited {
		// Confirmed exited: the cache entry must not resurrect this id.
		_ = e.opts.Store.Delete(e.key)
		e.setState(g, StateExited, fmt.Sprintf("process exited with code %d", exitCode))
		if e.opts.OnExit != nil {
			e.opts.OnExit(exitCode)
		}
		return outcomeExited, nil
	}

	if !stable.Load() {
		return outcomeUnstable, readErr
	}
	return outcomeClosed, readErr
}

// heartbeat sends pings on an interval and force-closes the connection when
// the pong gap exceeds the timeout. This catches half-open connections that
// neither side's OS noticed; the reconnect path takes over from there.
func (e *Engine) heartbeat(g int64, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if e.stale(g) {
				return
			}
			e.mu.Lock()
			gap := time.Since(e.lastPong)
			e.mu.Unlock()

			if gap > e.opts.HeartbeatTimeout {
				logger.Debugf("no pong for %s, force-closing connection", gap.Round(time.Second))
				_ = conn.Close()
				return
			}
			if err := e.writeFrame(conn, protocol.Ping()); err != nil {
				return
			}
		}
	}
}
