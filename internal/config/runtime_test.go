package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTunableDefaults(t *testing.T) {
	t.Setenv("TETHER_BUFFER_CAP", "")
	t.Setenv("TETHER_STABILITY_WINDOW", "")
	t.Setenv("TETHER_MAX_RECONNECT_ATTEMPTS", "")
	t.Setenv("TETHER_RECONNECT_BASE_DELAY", "")
	t.Setenv("TETHER_HEARTBEAT_INTERVAL", "")
	t.Setenv("TETHER_HEARTBEAT_TIMEOUT", "")

	assert.Equal(t, DefaultBufferCap, BufferCap())
	assert.Equal(t, DefaultStabilityWindow, StabilityWindow())
	assert.Equal(t, DefaultMaxReconnectAttempts, MaxReconnectAttempts())
	assert.Equal(t, DefaultReconnectBaseDelay, ReconnectBaseDelay())
	assert.Equal(t, DefaultHeartbeatInterval, HeartbeatInterval())
	assert.Equal(t, DefaultHeartbeatTimeout, HeartbeatTimeout())
}

func TestTunableEnvOverrides(t *testing.T) {
	t.Setenv("TETHER_BUFFER_CAP", "1024")
	t.Setenv("TETHER_STABILITY_WINDOW", "90ms")
	t.Setenv("TETHER_MAX_RECONNECT_ATTEMPTS", "9")
	t.Setenv("TETHER_RECONNECT_BASE_DELAY", "2s")

	assert.Equal(t, 1024, BufferCap())
	assert.Equal(t, 90*time.Millisecond, StabilityWindow())
	assert.Equal(t, 9, MaxReconnectAttempts())
	assert.Equal(t, 2*time.Second, ReconnectBaseDelay())
}

func TestTunableRejectsInvalidValues(t *testing.T) {
	t.Setenv("TETHER_BUFFER_CAP", "not-a-number")
	t.Setenv("TETHER_MAX_RECONNECT_ATTEMPTS", "-3")
	t.Setenv("TETHER_STABILITY_WINDOW", "banana")

	assert.Equal(t, DefaultBufferCap, BufferCap())
	assert.Equal(t, DefaultMaxReconnectAttempts, MaxReconnectAttempts())
	assert.Equal(t, DefaultStabilityWindow, StabilityWindow())
}

func TestDetectRuntimeHonorsEnvOverrides(t *testing.T) {
	workspace := t.TempDir()
	state := t.TempDir()
	t.Setenv("TETHER_WORKSPACE_DIR", workspace)
	t.Setenv("TETHER_STATE_DIR", state)
	t.Setenv("TETHER_SHELL", "/bin/sh")

	cfg := DetectRuntime()
	assert.Equal(t, workspace, cfg.WorkspaceDir)
	assert.Equal(t, state, cfg.StateDir)
	assert.Equal(t, "/bin/sh", cfg.Shell)
}

func TestDetectRuntimeContainerFlag(t *testing.T) {
	t.Setenv("TETHER_CONTAINER", "true")
	t.Setenv("TETHER_WORKSPACE_DIR", t.TempDir())
	t.Setenv("TETHER_STATE_DIR", t.TempDir())

	cfg := DetectRuntime()
	assert.True(t, cfg.IsContainer())
	assert.False(t, cfg.IsNative())
}

func TestDetectShellFallbackOrder(t *testing.T) {
	t.Setenv("TETHER_SHELL", "")
	t.Setenv("SHELL", "/usr/bin/zsh")
	assert.Equal(t, "/usr/bin/zsh", detectShell())

	t.Setenv("TETHER_SHELL", "/bin/sh")
	assert.Equal(t, "/bin/sh", detectShell())

	t.Setenv("TETHER_SHELL", "")
	t.Setenv("SHELL", "")
	assert.Equal(t, "/bin/bash", detectShell())
}
