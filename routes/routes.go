package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	controller "loumass/controllers"
	"loumass/middleware"
)

// Handlers bundles the controllers mounted by SetupRoutes.
type Handlers struct {
	Sequences   *controller.SequenceController
	Automations *controller.AutomationController
	Engine      *controller.EngineController
	Tracking    *controller.TrackingController
	Health      *controller.HealthController

	// RateLimitStorage backs the limiters. nil keeps counts in memory.
	RateLimitStorage fiber.Storage
}

func SetupTrackingRoutes(app *fiber.App, h Handlers) {
	track := app.Group("/track", middleware.RateLimiter("tracking", 120, time.Minute, h.RateLimitStorage))
	track.Get("/open/:trackingID/:token", h.Tracking.Open)
	track.Get("/click/:trackingID/:token", h.Tracking.Click)
}

func SetupAPIRoutes(app *fiber.App, h Handlers) {
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence routes
	sequences := api.Group("/sequences")
	sequences.Post("/:id/enroll", h.Sequences.Enroll)
	sequences.Post("/:id/cancel", h.Sequences.Cancel)
	sequences.Get("/:id/stats", h.Sequences.Stats)
	api.Post("/enrollments/:id/resume", h.Sequences.Resume)

	// Automation routes
	automations := api.Group("/automations")
	automations.Post("/:id/start", h.Automations.Start)
	automations.Post("/:id/cancel", h.Automations.Cancel)
	api.Post("/automation-executions/:id/resume", h.Automations.Resume)

	// Engine routes
	api.Post("/triggers/:trigger", h.Engine.FireTrigger)
	api.Post("/engine/run",
		middleware.RateLimiter("engine_run", 6, time.Minute, h.RateLimitStorage),
		h.Engine.Run)

	logrus.Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, h Handlers) {
	app.Get("/health", h.Health.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupTrackingRoutes(app, h)
	SetupAPIRoutes(app, h)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
