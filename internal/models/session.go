package models

import "time"

// Scope selects the launch profile of a session: either a plain interactive
// shell or a named coding-agent command the shell replaces itself with.
type Scope string

const (
	ScopeShell  Scope = "shell"
	ScopeClaude Scope = "claude"
	ScopeCodex  Scope = "codex"
)

// Valid reports whether the scope is one of the known launch profiles.
func (s Scope) Valid() bool {
	switch s {
	case ScopeShell, ScopeClaude, ScopeCodex:
		return true
	}
	return false
}

// IsAgent reports whether the scope launches a coding agent rather than a
// plain shell. Callers use this to decide whether a clean exit should drive
// post-completion automation.
func (s Scope) IsAgent() bool {
	return s != ScopeShell
}

// StartupCommand returns the command the login shell executes in place of an
// interactive shell, or "" for a plain shell. Agent commands begin with exec
// so the shell is replaced and the pty's exit code is the agent's exit code,
// not the shell's.
func (s Scope) StartupCommand() string {
	switch s {
	case ScopeClaude:
		return "exec claude --dangerously-skip-permissions"
	case ScopeCodex:
		return "exec codex"
	}
	return ""
}

// TerminalSize is the pty window size in character cells.
type TerminalSize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// SessionInfo describes a live session for the REST API.
// @Description Session metadata with lifecycle timestamps
type SessionInfo struct {
	ID               string       `json:"id" example:"2f1f9dfa-6b4e-4a86-9f57-8a3d6a2c1b0e"`
	Scope            Scope        `json:"scope" example:"shell"`
	WorkingDirectory string       `json:"working_directory" example:"/workspace/myrepo/main"`
	WorktreeID       string       `json:"worktree_id,omitempty" example:"myrepo/main"`
	Size             TerminalSize `json:"size"`
	Spawned          bool         `json:"spawned"`
	Attached         bool         `json:"attached"`
	CreatedAt        time.Time    `json:"created_at"`
	LastAttachedAt   *time.Time   `json:"last_attached_at,omitempty"`
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	WorkingDirectory string `json:"working_directory"`
	WorktreeID       string `json:"worktree_id,omitempty"`
	Scope            Scope  `json:"scope"`
	Cols             uint16 `json:"cols"`
	Rows             uint16 `json:"rows"`
	// StartupCommand overrides the scope's default startup command. Empty
	// means "use the scope default"; for the shell scope that is an
	// interactive shell with no replacement.
	StartupCommand string `json:"startup_command,omitempty"`
}

// ResizeRequest is the body of POST /v1/sessions/{id}/resize.
type ResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// SessionExit is delivered to exit subscribers when a session's process
// terminates. Exit code 0 on an agent scope is what the hooks pipeline keys
// off; this core only reports it.
type SessionExit struct {
	SessionID  string `json:"session_id"`
	WorktreeID string `json:"worktree_id,omitempty"`
	Scope      Scope  `json:"scope"`
	ExitCode   int    `json:"exit_code"`
}
