// Package main provides the procflow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/procflow/procflow/pkg/eventbus"
	"github.com/procflow/procflow/pkg/kv"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/services"
	"github.com/procflow/procflow/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	kvStore     kv.Store
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	kvStore kv.Store,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		kvStore:     kvStore,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	states := services.NewStateRegistry(a.persistence, a.logger)
	transitions := services.NewTransitionEngine(a.persistence, a.logger)
	versions := services.NewVersionManager(a.persistence, states, transitions, a.logger)
	modelManager := services.NewModelManager(a.persistence, versions, a.logger)
	runtime := services.NewInstanceRuntime(a.persistence, a.eventBus, a.kvStore, a.logger)

	handlers := web.NewAPIHandlers(states, transitions, versions, modelManager, runtime, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Procflow API")
	})

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
