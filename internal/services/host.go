package services

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/tetherhq/tether/internal/logger"
	"github.com/tetherhq/tether/internal/models"
	"github.com/tetherhq/tether/internal/recovery"
)

// Setup errors fail spawning before a process exists. The session that
// requested the spawn survives them.
var (
	ErrWorkdirMissing = errors.New("working directory does not exist")
	ErrShellMissing   = errors.New("configured shell does not exist")
)

// ProcessHost owns exactly one pty-backed child process. The process is
// spawned at most once; host identity and process identity share a lifetime.
//
// When a startup command is configured the shell runs `-lc <command>` and the
// command starts with exec, replacing the shell. That keeps the pty's exit
// code equal to the target program's exit code, which downstream automation
// depends on.
type ProcessHost struct {
	workDir        string
	shell          string
	startupCommand string
	env            []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	started bool
	closed  bool

	exitOnce sync.Once
}

// NewProcessHost prepares a host; nothing is spawned until Start.
func NewProcessHost(workDir, shell, startupCommand string, extraEnv []string) *ProcessHost {
	return &ProcessHost{
		workDir:        workDir,
		shell:          shell,
		startupCommand: startupCommand,
		env:            extraEnv,
	}
}

// Start validates preconditions, spawns the process under a pty sized to
// size, and begins pumping output. onData receives every output chunk in
// production order; onExit fires exactly once with the process exit code.
func (h *ProcessHost) Start(size models.TerminalSize, onData func([]byte), onExit func(code int)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("process already started")
	}

	if info, err := os.Stat(h.workDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrWorkdirMissing, h.workDir)
	}
	if _, err := exec.LookPath(h.shell); err != nil {
		return fmt.Errorf("%w: %s", ErrShellMissing, h.shell)
	}

	var cmd *exec.Cmd
	if h.startupCommand != "" {
		cmd = exec.Command(h.shell, "-lc", h.startupCommand)
	} else {
		cmd = exec.Command(h.shell, "-l")
	}
	cmd.Dir = h.workDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	cmd.Env = append(cmd.Env, h.env...)

	winsize := &pty.Winsize{Rows: size.Rows, Cols: size.Cols}
	if winsize.Rows == 0 || winsize.Cols == 0 {
		winsize = &pty.Winsize{Rows: 24, Cols: 80}
	}

	ptmx, err := pty.StartWithSize(cmd, winsize)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}

	h.cmd = cmd
	h.ptmx = ptmx
	h.started = true

	recovery.SafeGo("pty-read-pump", func() {
		h.readPump(onData, onExit)
	})

	return nil
}

// readPump forwards process output until the pty closes, then reaps the
// process and reports its exit code.
func (h *ProcessHost) readPump(onData func([]byte), onExit func(code int)) {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			if err != io.EOF {
				// Linux reports EIO on the master side once the child
				// exits; anything else is still terminal for the pump.
				logger.Debugf("pty read ended: %v", err)
			}
			break
		}
	}

	code := h.reap()
	h.exitOnce.Do(func() {
		onExit(code)
	})
}

// reap waits for the child and extracts its exit code.
func (h *ProcessHost) reap() int {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil {
		return -1
	}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		return -1
	}
	return 0
}

// Write forwards input bytes to the pty.
func (h *ProcessHost) Write(p []byte) error {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()

	if ptmx == nil {
		return fmt.Errorf("process not started")
	}
	_, err := ptmx.Write(p)
	return err
}

// Resize changes the pty window size. It is a no-op before spawn; the
// registry reapplies the tracked size on first attach.
func (h *ProcessHost) Resize(cols, rows uint16) error {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()

	if ptmx == nil {
		return nil
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Started reports whether the process has been spawned.
func (h *ProcessHost) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Close tears the process down: closes the pty and kills the child if it is
// still running. Safe to call multiple times and after exit.
func (h *ProcessHost) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	if h.ptmx != nil {
		_ = h.ptmx.Close()
	}
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}
