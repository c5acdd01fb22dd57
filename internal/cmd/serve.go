package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/spf13/cobra"

	"github.com/freshell/freshell/internal/assoc"
	"github.com/freshell/freshell/internal/config"
	"github.com/freshell/freshell/internal/hub"
	"github.com/freshell/freshell/internal/logger"
	"github.com/freshell/freshell/internal/models"
	"github.com/freshell/freshell/internal/repair"
	"github.com/freshell/freshell/internal/sessions"
	"github.com/freshell/freshell/internal/terminal"
)

// gracefulShutdownTimeout is how long terminals get to exit on SIGTERM
// before being force-killed.
const gracefulShutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🚀 Start the freshell server",
	Long: `Start the freshell server.

Serves the WebSocket API on /v1/ws, spawns and supervises terminals,
and indexes coding CLI sessions from disk. Set FRESHELL_AUTH_TOKEN to
require a bearer token on every connection.`,
	RunE: runServe,
}

var (
	servePort int
	serveHost string
	serveDev  bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Address to bind")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Development mode with pretty console logging")
}

// sessionKiller implements the session.kill command: the transcript stays on
// disk, the session is hidden through a stored override.
type sessionKiller struct {
	store   *config.Store
	indexer *sessions.Indexer
}

// settingsPatcher persists protocol settings patches and nudges the indexer
// so storage dir changes take effect immediately.
type settingsPatcher struct {
	store   *config.Store
	indexer *sessions.Indexer
}

func (p *settingsPatcher) PatchSettings(patch models.SettingsPatch) models.Settings {
	updated := p.store.PatchSettings(patch)
	p.indexer.Refresh()
	return updated
}

func (k *sessionKiller) KillSession(compositeKey string) error {
	if _, ok := k.indexer.GetFilePathForSession(compositeKey); !ok {
		return fmt.Errorf("session %s not found", compositeKey)
	}
	deleted := true
	k.store.PatchSessionOverride(compositeKey, models.SessionOverride{Deleted: &deleted})
	k.indexer.Refresh()
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Configure(logger.LevelFromEnv(serveDev), serveDev)

	store := config.NewStore(config.Runtime.SettingsPath())

	registry := terminal.NewRegistry(store)
	registry.Start()

	indexer := sessions.NewIndexer(store,
		sessions.NewClaudeProvider(),
		sessions.NewCodexProvider(),
	)

	killer := &sessionKiller{store: store, indexer: indexer}
	patcher := &settingsPatcher{store: store, indexer: indexer}
	h := hub.NewHub(registry, killer, store, patcher, func() models.HelloPayload {
		settings := store.GetSettings()
		return models.HelloPayload{
			Settings:     settings,
			Projects:     indexer.GetProjects(),
			Terminals:    registry.List(),
			FeatureFlags: settings.FeatureFlags,
		}
	})
	go h.ConsumeEvents(registry.Events())

	coordinator := assoc.NewCoordinator(registry, h, nil)
	coalescer := hub.NewCoalescer(h)
	unsubCoordinator := indexer.Subscribe(coordinator)
	unsubCoalescer := indexer.Subscribe(coalescer)
	defer unsubCoordinator()
	defer unsubCoalescer()

	indexer.Start()

	repairer := repair.NewRepairer(store)
	repairer.SetFilePathResolver(indexer.GetFilePathForSession)
	repairer.Start()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(authMiddleware(config.Runtime.AuthToken()))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"terminals": len(registry.List()),
			"clients":   h.ClientCount(),
		})
	})

	app.Use("/v1/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/v1/ws", h.Handler())

	addr := fmt.Sprintf("%s:%d", serveHost, servePort)
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("🚀 Freshell listening on %s", addr)
		errCh <- app.Listen(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("🛑 Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Shutdown order: stop taking input, flush terminals, then tear down
	// the remaining collaborators. Every step is best-effort.
	_ = app.ShutdownWithTimeout(2 * time.Second)
	coalescer.Stop()
	registry.ShutdownGracefully(gracefulShutdownTimeout)
	registry.Shutdown()
	h.Close()
	indexer.Stop()
	repairer.Stop()

	logger.Info("👋 Freshell stopped")
	return nil
}

// authMiddleware enforces the shared token before any route, including the
// WebSocket upgrade. An empty token disables the check.
func authMiddleware(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}

		presented := ""
		if auth := c.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
		if presented == "" {
			presented = c.Cookies("auth_token")
		}
		if presented == "" {
			presented = c.Query("auth_token")
		}

		if presented != token {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}
		return c.Next()
	}
}
