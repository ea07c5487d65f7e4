// Package api is the agent's local-only diagnostics surface: health,
// metrics, and a live WebSocket feed of sync-tick and execution events
// for an operator console on the same machine or behind the cloud
// control plane's reverse proxy.
package api

import (
	"context"
	"crypto/rsa"

	aldhealth "github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/health"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/metrics"
	aldws "github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// Server wires the Fiber app, health checker, metrics, and websocket
// hub into a single process listener.
type Server struct {
	app *fiber.App
	log *zap.Logger
}

// NewServer builds the Fiber app and registers every route. publicKey
// may be nil, in which case every endpoint beyond /healthz is rejected
// outright rather than silently left open.
func NewServer(checker *aldhealth.HealthChecker, m *metrics.Metrics, hub *aldws.Hub, publicKey *rsa.PublicKey, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use(metrics.MetricsMiddleware(m))

	if publicKey != nil {
		app.Use(JWTVerifyMiddleware(publicKey, AuthConfig{SkipPaths: []string{"/healthz"}}))
	} else {
		app.Use(func(c *fiber.Ctx) error {
			if c.Path() == "/healthz" {
				return c.Next()
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "diagnostics api auth not configured"})
		})
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		results := checker.RunChecks(c.Context())
		status := checker.GetOverallStatus()
		code := fiber.StatusOK
		if status != aldhealth.StatusHealthy {
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{"status": status, "checks": results})
	})

	app.Get("/metricz", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return c.SendString(m.PrometheusFormat())
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		hub.HandleWebSocket(c)
	}))

	return &Server{app: app, log: log}
}

// Listen blocks serving on addr until the process is asked to stop.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
