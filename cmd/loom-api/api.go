// Package main provides the Loom API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/loomworks/loom/pkg/flow"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/web"
)

type API struct {
	logger   *slog.Logger
	store    store.Store
	registry *registry.Registry
	validate *validator.Validate
	watcher  *flow.EventWatcher
}

func NewAPI(logger *slog.Logger, st store.Store, registry *registry.Registry, watcher *flow.EventWatcher) *API {
	return &API{
		logger:   logger,
		store:    st,
		registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		watcher:  watcher,
	}
}

func (a *API) App() *fiber.App {
	flowService := flow.NewService(a.store, a.logger)
	publishingService := flow.NewPublishingService(a.store, a.logger)

	handlers := web.NewAPIHandlers(flowService, publishingService, a.store, a.validate, a.registry, a.watcher)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Loom API")
	})

	f := app.Group("/flows")
	f.Get("/", handlers.GetFlows)
	f.Post("/", handlers.CreateFlow)
	f.Get("/:id", handlers.GetFlow)
	f.Patch("/:id", handlers.UpdateFlow)
	f.Post("/:id/versions", handlers.PublishVersion)
	f.Get("/:id/versions", handlers.GetVersions)
	f.Post("/:id/runs", handlers.StartRun)

	v := app.Group("/versions")
	v.Get("/:id", handlers.GetVersion)
	v.Post("/:id/runs", handlers.StartVersionRun)

	r := app.Group("/runs")
	r.Get("/", handlers.GetRuns)
	r.Get("/:id", handlers.GetRun)
	r.Get("/:id/checkpoints", handlers.GetRunCheckpoints)
	r.Get("/:id/events", handlers.StreamRunEvents)
	r.Post("/:id/pause", handlers.PauseRun)
	r.Post("/:id/resume", handlers.ResumeRun)
	r.Post("/:id/cancel", handlers.CancelRun)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
