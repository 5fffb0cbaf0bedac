package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RuntimeMode represents the execution environment
type RuntimeMode string

const (
	// ContainerMode indicates running inside a container
	ContainerMode RuntimeMode = "container"
	// NativeMode indicates running on the host system
	NativeMode RuntimeMode = "native"
)

// Default tunables. Each can be overridden through a TETHER_* environment
// variable; see the accessors below.
const (
	// DefaultBufferCap bounds the trailing output buffer kept per session
	// for replay on reattach. Oldest bytes are dropped first.
	DefaultBufferCap = 256 * 1024

	// DefaultStabilityWindow is how long a freshly opened attach connection
	// must stay open before the client trusts it. Connections that the
	// server accepts and then immediately drops (stale session ids) close
	// inside this window.
	DefaultStabilityWindow = 180 * time.Millisecond

	// DefaultMaxReconnectAttempts bounds automatic recovery from transient
	// connection failures before requiring explicit user action.
	DefaultMaxReconnectAttempts = 5

	// DefaultReconnectBaseDelay is multiplied by the attempt count for the
	// linear reconnect backoff.
	DefaultReconnectBaseDelay = 750 * time.Millisecond

	// DefaultHeartbeatInterval is how often a stably attached client sends
	// a ping control frame.
	DefaultHeartbeatInterval = 20 * time.Second

	// DefaultHeartbeatTimeout is the maximum tolerated gap since the last
	// pong before the client force-closes a half-open connection.
	DefaultHeartbeatTimeout = 45 * time.Second
)

// RuntimeConfig holds configuration for different runtime environments
type RuntimeConfig struct {
	Mode         RuntimeMode
	WorkspaceDir string // root under which session working directories live
	StateDir     string // per-user state (client cache database, config file)
	Shell        string // login shell used to launch session processes
}

// Runtime is the global runtime configuration instance
var Runtime *RuntimeConfig

func init() {
	Runtime = DetectRuntime()
}

// DetectRuntime determines the current runtime environment and returns the
// appropriate configuration.
func DetectRuntime() *RuntimeConfig {
	config := &RuntimeConfig{
		Mode:  detectMode(),
		Shell: detectShell(),
	}

	switch config.Mode {
	case ContainerMode:
		config.WorkspaceDir = "/workspace"
		config.StateDir = "/volume/tether"

	case NativeMode:
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = os.Getenv("HOME")
			if homeDir == "" {
				homeDir = "."
			}
		}
		stateDir := filepath.Join(homeDir, ".tether")
		config.WorkspaceDir = filepath.Join(stateDir, "workspace")
		config.StateDir = stateDir
	}

	if dir := os.Getenv("TETHER_WORKSPACE_DIR"); dir != "" {
		config.WorkspaceDir = dir
	}
	if dir := os.Getenv("TETHER_STATE_DIR"); dir != "" {
		config.StateDir = dir
	}

	if err := ensureDir(config.StateDir); err == nil {
		_ = ensureDir(config.WorkspaceDir)
	}

	return config
}

// detectMode determines if we're running in a container or natively
func detectMode() RuntimeMode {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return ContainerMode
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		if strings.Contains(string(data), "docker") || strings.Contains(string(data), "containerd") {
			return ContainerMode
		}
	}

	if os.Getenv("TETHER_CONTAINER") == "true" {
		return ContainerMode
	}

	return NativeMode
}

// detectShell resolves the login shell sessions are launched with. The
// process host still verifies the binary exists before spawning.
func detectShell() string {
	if shell := os.Getenv("TETHER_SHELL"); shell != "" {
		return shell
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}

// IsContainer returns true if running in container mode
func (rc *RuntimeConfig) IsContainer() bool {
	return rc.Mode == ContainerMode
}

// IsNative returns true if running in native mode
func (rc *RuntimeConfig) IsNative() bool {
	return rc.Mode == NativeMode
}

// BufferCap returns the per-session output buffer cap in bytes.
func BufferCap() int {
	return intFromEnv("TETHER_BUFFER_CAP", DefaultBufferCap)
}

// StabilityWindow returns the minimum open time before a connection is
// trusted by the client engine.
func StabilityWindow() time.Duration {
	return durationFromEnv("TETHER_STABILITY_WINDOW", DefaultStabilityWindow)
}

// MaxReconnectAttempts returns the automatic reconnect bound.
func MaxReconnectAttempts() int {
	return intFromEnv("TETHER_MAX_RECONNECT_ATTEMPTS", DefaultMaxReconnectAttempts)
}

// ReconnectBaseDelay returns the unit delay of the linear backoff.
func ReconnectBaseDelay() time.Duration {
	return durationFromEnv("TETHER_RECONNECT_BASE_DELAY", DefaultReconnectBaseDelay)
}

// HeartbeatInterval returns how often clients ping an attached session.
func HeartbeatInterval() time.Duration {
	return durationFromEnv("TETHER_HEARTBEAT_INTERVAL", DefaultHeartbeatInterval)
}

// HeartbeatTimeout returns the pong gap after which a connection is
// considered half-open and force-closed.
func HeartbeatTimeout() time.Duration {
	return durationFromEnv("TETHER_HEARTBEAT_TIMEOUT", DefaultHeartbeatTimeout)
}

func intFromEnv(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func durationFromEnv(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}
