package handlers

import (
	"errors"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/tetherhq/tether/internal/logger"
	"github.com/tetherhq/tether/internal/models"
	"github.com/tetherhq/tether/internal/protocol"
	"github.com/tetherhq/tether/internal/services"
)

// TerminalHandler exposes the session registry over HTTP and WebSocket.
type TerminalHandler struct {
	registry *services.Registry
}

// NewTerminalHandler creates a new terminal handler.
func NewTerminalHandler(registry *services.Registry) *TerminalHandler {
	return &TerminalHandler{registry: registry}
}

// RegisterRoutes registers all session routes on the v1 router.
func (h *TerminalHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Post("/sessions", h.CreateSession)
	v1.Get("/sessions", h.ListSessions)
	v1.Get("/sessions/latest", h.LatestSession)
	v1.Get("/sessions/:id/attach", h.HandleAttach)
	v1.Post("/sessions/:id/resize", h.ResizeSession)
	v1.Delete("/sessions/:id", h.DestroySession)
	v1.Delete("/worktrees/sessions", h.DestroyWorktreeSessions)
}

// CreateSession allocates a session record
// @Summary Create session
// @Description Allocates a session; the process spawns lazily on first attach
// @Tags sessions
// @Accept json
// @Produce json
// @Success 201 {object} models.SessionInfo
// @Router /v1/sessions [post]
func (h *TerminalHandler) CreateSession(c *fiber.Ctx) error {
	var req models.CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.Scope == "" {
		req.Scope = models.ScopeShell
	}

	session, err := h.registry.Create(req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(session.Info())
}

// ListSessions returns all registered sessions
// @Summary List sessions
// @Tags sessions
// @Produce json
// @Success 200 {array} models.SessionInfo
// @Router /v1/sessions [get]
func (h *TerminalHandler) ListSessions(c *fiber.Ctx) error {
	return c.JSON(h.registry.List())
}

// LatestSession returns the newest live session for a scope
// @Summary Latest session for a scope
// @Tags sessions
// @Produce json
// @Param scope query string true "Launch profile"
// @Success 200 {object} models.SessionInfo
// @Router /v1/sessions/latest [get]
func (h *TerminalHandler) LatestSession(c *fiber.Ctx) error {
	scope := models.Scope(c.Query("scope", string(models.ScopeShell)))
	info, ok := h.registry.Latest(scope)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no session for scope",
		})
	}
	return c.JSON(info)
}

// ResizeSession updates the pty window size
// @Summary Resize session
// @Tags sessions
// @Accept json
// @Param id path string true "Session ID"
// @Router /v1/sessions/{id}/resize [post]
func (h *TerminalHandler) ResizeSession(c *fiber.Ctx) error {
	var req models.ResizeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if !h.registry.Resize(c.Params("id"), req.Cols, req.Rows) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// DestroySession tears a session down
// @Summary Destroy session
// @Description Idempotent; destroyed is false when the session was already gone
// @Tags sessions
// @Param id path string true "Session ID"
// @Router /v1/sessions/{id} [delete]
func (h *TerminalHandler) DestroySession(c *fiber.Ctx) error {
	destroyed := h.registry.Destroy(c.Params("id"))
	return c.JSON(fiber.Map{"destroyed": destroyed})
}

// DestroyWorktreeSessions destroys every session of a worktree
// @Summary Destroy all sessions for a worktree
// @Tags sessions
// @Param worktree_id query string true "Worktree ID"
// @Router /v1/worktrees/sessions [delete]
func (h *TerminalHandler) DestroyWorktreeSessions(c *fiber.Ctx) error {
	worktreeID := c.Query("worktree_id")
	if worktreeID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "worktree_id is required",
		})
	}
	n := h.registry.DestroyAllFor(worktreeID)
	return c.JSON(fiber.Map{"destroyed": n})
}

// HandleAttach upgrades to a WebSocket and attaches it to the session
// @Summary Attach to a session
// @Description Duplex terminal stream; binary frames are terminal bytes, text frames are control messages
// @Tags sessions
// @Param id path string true "Session ID"
// @Success 101 {string} string "Switching Protocols"
// @Router /v1/sessions/{id}/attach [get]
func (h *TerminalHandler) HandleAttach(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	sessionID := c.Params("id")
	return websocket.New(func(conn *websocket.Conn) {
		h.handleAttached(conn, sessionID)
	})(c)
}

func (h *TerminalHandler) handleAttached(conn *websocket.Conn, sessionID string) {
	wrapped := newWSConn(conn)

	if err := h.registry.Attach(sessionID, wrapped); err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			logger.Debugf("attach to unknown session %s", sessionID)
			_ = wrapped.Close(protocol.CloseCodeSessionNotFound, "session not found")
			return
		}
		logger.Warnf("attach to session %s failed: %v", sessionID, err)
		_ = wrapped.Close(protocol.CloseCodeInternalError, err.Error())
		return
	}
	defer h.registry.Detach(sessionID, wrapped)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debugf("session %s: connection read ended: %v", sessionID, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := h.registry.Write(sessionID, data); err != nil {
				logger.Debugf("session %s: input write failed: %v", sessionID, err)
				return
			}
		case websocket.TextMessage:
			frame, ok := protocol.Parse(data)
			if !ok {
				// Older clients send keystrokes as text.
				if err := h.registry.Write(sessionID, data); err != nil {
					return
				}
				continue
			}
			switch frame.Type {
			case protocol.FrameResize:
				h.registry.Resize(sessionID, frame.Cols, frame.Rows)
			case protocol.FramePing:
				_ = wrapped.WriteControl(protocol.Pong())
			case protocol.FramePong:
				// liveness bookkeeping is client-side only
			}
		}
	}
}

// wsConn adapts a fiber websocket connection to services.Conn. All writes
// share one mutex; the registry's pump and the read loop's pong replies
// would otherwise interleave frames.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (w *wsConn) WriteData(p []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (w *wsConn) WriteControl(f protocol.Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, f.Marshal())
}

func (w *wsConn) Close(code int, reason string) error {
	w.writeMu.Lock()
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	w.writeMu.Unlock()
	return w.conn.Close()
}
