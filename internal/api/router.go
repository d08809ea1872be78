// Package api assembles the HTTP surface: the upload page, the run API, the
// progress socket, and the operational endpoints.
package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/feedback-triage/backend/internal/api/handlers"
	"github.com/feedback-triage/backend/internal/metrics"
	"github.com/feedback-triage/backend/internal/middleware/ratelimit"
	"github.com/feedback-triage/backend/internal/middleware/security"
	"github.com/feedback-triage/backend/internal/middleware/validation"
	"github.com/feedback-triage/backend/internal/runs"
	"github.com/feedback-triage/backend/pkg/config"
)

type Options struct {
	Server  config.ServerConfig
	Limiter *ratelimit.RateLimiter
	// Ready reports whether dependencies needed to start a run are reachable.
	Ready func() error
	// AccessLog enables the per-request access log.
	AccessLog bool
}

func NewApp(manager *runs.Manager, opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(opts.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(opts.Server.WriteTimeout) * time.Second,
		BodyLimit:             opts.Server.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: opts.Server.IsDevelopment,
	}))

	runHandler := handlers.NewRunHandler(manager)
	wsHandler := handlers.NewWebSocketHandler(manager)

	app.Get("/", handlers.Index)

	api := app.Group("/api/v1")

	api.Get("/prompts", runHandler.ListPrompts)

	createChain := []fiber.Handler{}
	if opts.Limiter != nil {
		createChain = append(createChain, opts.Limiter.Middleware())
	}
	createChain = append(createChain,
		validation.UploadMiddleware(validation.Config{MaxUploadSize: int64(opts.Server.BodyLimit)}),
		runHandler.CreateRun,
	)
	api.Post("/runs", createChain...)

	api.Get("/runs", runHandler.ListRuns)
	api.Get("/runs/:id", runHandler.GetRun)
	api.Get("/runs/:id/download", runHandler.DownloadRun)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if opts.Ready != nil {
			if err := opts.Ready(); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "unavailable",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws/runs/:id", websocket.New(wsHandler.HandleConnection))

	return app
}
