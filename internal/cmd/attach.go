package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tetherhq/tether/internal/client"
	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/logger"
	"github.com/tetherhq/tether/internal/models"
)

var (
	attachEndpoint string
	attachScope    string
	attachWorkdir  string
	attachWorktree string
	attachToken    string
	attachFresh    bool
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach this terminal to a session",
	Long: `Connects the current terminal to a tether session, creating one if
needed. The session id is cached locally, so running attach again after a
disconnect or reboot resumes the same shell. Detach with the usual network
drop or Ctrl-C; the remote process keeps running.`,
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)

	attachCmd.Flags().StringVarP(&attachEndpoint, "endpoint", "e", "", "Server base URL (default from config file)")
	attachCmd.Flags().StringVarP(&attachScope, "scope", "s", "", "Launch profile: shell, claude or codex")
	attachCmd.Flags().StringVarP(&attachWorkdir, "workdir", "w", "", "Working directory for new sessions")
	attachCmd.Flags().StringVar(&attachWorktree, "worktree", "", "Worktree id the session belongs to")
	attachCmd.Flags().StringVar(&attachToken, "token", "", "Bearer token (overrides config file)")
	attachCmd.Flags().BoolVar(&attachFresh, "fresh", false, "Ignore the cached session and start a new one")
}

func runAttach(cmd *cobra.Command, args []string) error {
	logger.Configure(logger.LevelWarn, false)

	cfg, err := config.LoadClientConfig(config.ClientConfigPath())
	if err != nil {
		return err
	}
	if attachEndpoint != "" {
		cfg.Endpoint = attachEndpoint
	}
	if attachScope != "" {
		cfg.Scope = attachScope
	}
	if attachToken != "" {
		cfg.Token = attachToken
	}

	scope := models.Scope(cfg.Scope)
	if !scope.Valid() {
		return fmt.Errorf("unknown scope %q", cfg.Scope)
	}

	cachePath := cfg.CachePath
	if cachePath == "" {
		cachePath = filepath.Join(config.Runtime.StateDir, "sessions.db")
	}
	store, err := client.NewSQLiteStore(cachePath)
	if err != nil {
		return err
	}
	defer store.Close()

	key := client.CacheKey{Endpoint: cfg.Endpoint, WorktreeID: attachWorktree, Scope: scope}
	if attachFresh {
		_ = store.Delete(key)
	}

	stdin := int(os.Stdin.Fd())
	cols, rows := uint16(80), uint16(24)
	if w, h, err := term.GetSize(stdin); err == nil {
		cols, rows = uint16(w), uint16(h)
	}

	done := make(chan int, 1)

	engine := client.NewEngine(client.Options{
		Endpoint:         cfg.Endpoint,
		WorkingDirectory: attachWorkdir,
		WorktreeID:       attachWorktree,
		Scope:            scope,
		Size:             models.TerminalSize{Cols: cols, Rows: rows},
		Store:            store,
		Tokens:           client.StaticTokenSource(cfg.Token),
		OnData: func(data []byte) {
			_, _ = os.Stdout.Write(data)
		},
		OnExit: func(exitCode int) {
			done <- exitCode
		},
		OnState: func(state client.State, reason string) {
			switch state {
			case client.StateStopped:
				fmt.Fprintf(os.Stderr, "\r\ntether: %s\r\n", reason)
				done <- 1
			case client.StateConnecting:
				if reason != "" {
					fmt.Fprintf(os.Stderr, "\r\ntether: %s\r\n", reason)
				}
			}
		},
	})

	oldState, err := term.MakeRaw(stdin)
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(stdin, oldState)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Connect(ctx)
	defer engine.Disconnect()

	// Keystrokes flow as binary frames; the server never confuses them
	// with control messages.
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				if err := engine.Send(buf[:n]); err != nil {
					continue
				}
			}
		}
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(stdin); err == nil {
				_ = engine.Resize(uint16(w), uint16(h))
			}
		}
	}()

	code := <-done
	_ = term.Restore(stdin, oldState)
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
