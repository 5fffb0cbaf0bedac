// Package protocol defines the control frames exchanged on an attached
// session connection and the rules for telling them apart from raw terminal
// bytes.
//
// The data plane and the control plane share one WebSocket connection but
// never share a message kind: terminal bytes always travel as binary
// messages, control frames always travel as JSON text messages. Process
// output that happens to look like JSON therefore can never be mistaken for
// a control frame. A text message that fails to parse as a recognized frame
// is passed through as raw input so older clients that send keystrokes as
// text keep working.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
)

// Frame types carried as JSON text messages.
const (
	// FrameResize (client -> server) changes the pty window size.
	FrameResize = "resize"
	// FrameExit (server -> client) reports the process exit code. It is the
	// last message on a connection; the server closes right after.
	FrameExit = "exit"
	// FramePing and FramePong carry liveness probes in either direction.
	FramePing = "ping"
	FramePong = "pong"
)

// Frame is a control message on a session connection.
type Frame struct {
	Type     string `json:"type"`
	Cols     uint16 `json:"cols,omitempty"`
	Rows     uint16 `json:"rows,omitempty"`
	ExitCode int    `json:"exitCode"`
	Reason   string `json:"reason,omitempty"`
}

// Marshal encodes the frame for sending as a text message.
func (f Frame) Marshal() []byte {
	data, _ := json.Marshal(f)
	return data
}

// Resize builds a resize frame.
func Resize(cols, rows uint16) Frame {
	return Frame{Type: FrameResize, Cols: cols, Rows: rows}
}

// Exit builds an exit frame.
func Exit(code int) Frame {
	return Frame{Type: FrameExit, ExitCode: code}
}

// Ping and Pong build heartbeat frames.
func Ping() Frame { return Frame{Type: FramePing} }
func Pong() Frame { return Frame{Type: FramePong} }

// Parse attempts to decode a text message as a control frame. ok is false
// when the payload is not a recognized frame and should be treated as raw
// terminal data.
func Parse(data []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, false
	}
	switch f.Type {
	case FrameResize, FrameExit, FramePing, FramePong:
		return f, true
	}
	return Frame{}, false
}

// Close codes the client engine maps onto recovery behavior. The standard
// codes mark deliberate shutdowns; the private 4000-range codes carry policy.
const (
	// CloseCodeNormal and CloseCodeGoingAway mirror RFC 6455; neither is
	// retried.
	CloseCodeNormal    = 1000
	CloseCodeGoingAway = 1001
	// CloseCodeInternalError reports a server-side failure such as a spawn
	// error during attach.
	CloseCodeInternalError = 1011
	// CloseCodeAuthExpired means the bearer token was rejected; refresh and
	// retry.
	CloseCodeAuthExpired = 4401
	// CloseCodeForbidden means access to the project or scope is denied;
	// never retried.
	CloseCodeForbidden = 4403
	// CloseCodeSessionNotFound means the session id is unknown to the
	// registry; the client should discover the latest session instead.
	CloseCodeSessionNotFound = 4404
)

// CloseClass partitions close reasons by the recovery they call for.
type CloseClass int

const (
	// CloseTransient covers network flaps and everything unclassified;
	// retried with linear backoff up to the attempt bound.
	CloseTransient CloseClass = iota
	// CloseNormal is a deliberate local or remote shutdown; no recovery.
	CloseNormal
	CloseForbidden
	CloseNotFound
	CloseAuthExpired
)

func (c CloseClass) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseForbidden:
		return "forbidden"
	case CloseNotFound:
		return "session-not-found"
	case CloseAuthExpired:
		return "auth-expired"
	}
	return "transient"
}

// Classify maps a read error from a WebSocket connection to a close class.
func Classify(err error) CloseClass {
	if err == nil {
		return CloseNormal
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return CloseNormal
		case CloseCodeAuthExpired:
			return CloseAuthExpired
		case CloseCodeForbidden:
			return CloseForbidden
		case CloseCodeSessionNotFound:
			return CloseNotFound
		}
	}
	return CloseTransient
}
