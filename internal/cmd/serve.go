package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/handlers"
	"github.com/tetherhq/tether/internal/logger"
	"github.com/tetherhq/tether/internal/middleware"
	"github.com/tetherhq/tether/internal/models"
	"github.com/tetherhq/tether/internal/services"
)

var (
	servePort int
	serveHost string
	serveDev  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tether session server",
	Long: `Starts the session server: an HTTP API for session lifecycle
(create, resize, destroy, list) and a WebSocket endpoint that attaches a
client to a session's terminal stream.

Set TETHER_AUTH_SECRET to require bearer tokens on every request.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8787, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Enable development logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Configure(logger.GetLogLevelFromEnv(serveDev), serveDev)

	registry := services.NewRegistry()

	// Exit events are the hook point for post-completion automation; the
	// pipeline that consumes them lives outside this server.
	registry.OnExit(func(exit models.SessionExit) {
		if exit.Scope.IsAgent() && exit.ExitCode == 0 {
			logger.Infof("agent session %s completed cleanly (worktree=%s)", exit.SessionID, exit.WorktreeID)
		} else {
			logger.Debugf("session %s exited with code %d", exit.SessionID, exit.ExitCode)
		}
	})

	watcher, err := services.NewWorktreeWatcher(config.Runtime.WorkspaceDir, registry)
	if err != nil {
		logger.Warnf("worktree watcher disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				code = fiberErr.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(requestLogger())

	auth := middleware.NewAuthMiddleware()
	if auth != nil {
		logger.Info("bearer-token authentication enabled")
	}
	app.Use(auth.RequireAuth)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/v1")
	handlers.NewTerminalHandler(registry).RegisterRoutes(v1)
	handlers.NewAuthHandler(auth).RegisterRoutes(v1)

	addr := fmt.Sprintf("%s:%d", serveHost, servePort)
	logger.Infof("tether server listening on %s (workspace=%s, shell=%s)",
		addr, config.Runtime.WorkspaceDir, config.Runtime.Shell)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
	}

	registry.DestroyAll()
	return app.ShutdownWithTimeout(5 * time.Second)
}

// requestLogger logs every request through zerolog.
func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		logger.Debugf("%s %s -> %d (%s)", c.Method(), c.Path(), c.Response().StatusCode(), time.Since(start))
		return err
	}
}
