package client

import (
	"context"

	"github.com/tetherhq/tether/internal/models"
)

// MobileOptions configures the mobile engine variant.
type MobileOptions struct {
	Endpoint         string
	WorkingDirectory string
	WorktreeID       string
	Scope            models.Scope
	Size             models.TerminalSize

	// PairedToken is the bearer token obtained from the gateway pairing
	// layer. The engine refreshes it through the server when it expires.
	PairedToken string

	Store SessionStore

	OnData  func([]byte)
	OnExit  func(exitCode int)
	OnState func(state State, reason string)
}

// MobileEngine is the mobile variant of the reconnection engine. On top of
// the shared state machine it manages bearer-token refresh (mobile tokens
// expire while the app is backgrounded) and discovers the server's latest
// session for its scope when the local cache is cold, so a phone can pick
// up a session that was started from the desktop.
type MobileEngine struct {
	*Engine
	tokens *RefreshingTokenSource
}

// NewMobileEngine creates a mobile engine around a paired token.
func NewMobileEngine(opts MobileOptions) *MobileEngine {
	tokens := NewRefreshingTokenSource(opts.Endpoint, opts.PairedToken, "mobile")

	engine := NewEngine(Options{
		Endpoint:         opts.Endpoint,
		WorkingDirectory: opts.WorkingDirectory,
		WorktreeID:       opts.WorktreeID,
		Scope:            opts.Scope,
		Size:             opts.Size,
		Store:            opts.Store,
		Tokens:           tokens,
		DiscoverLatest:   true,
		OnData:           opts.OnData,
		OnExit:           opts.OnExit,
		OnState:          opts.OnState,
	})

	return &MobileEngine{Engine: engine, tokens: tokens}
}

// Token returns the current bearer token, e.g. for persisting across app
// restarts.
func (m *MobileEngine) Token() string {
	token, _ := m.tokens.Token(context.Background())
	return token
}
