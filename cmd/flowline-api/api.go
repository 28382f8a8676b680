// Package main provides the Flowline API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/flowlinehq/flowline/pkg/eventbus"
	"github.com/flowlinehq/flowline/pkg/locker"
	"github.com/flowlinehq/flowline/pkg/persistence"
	"github.com/flowlinehq/flowline/pkg/services"
	"github.com/flowlinehq/flowline/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	locker      locker.Locker
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	locks locker.Locker,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		locker:      locks,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	instanceService := services.NewInstance(a.persistence, a.eventBus, a.locker, a.validate, a.logger)
	taskService := services.NewTask(a.persistence, a.eventBus, a.locker, a.validate, a.logger)

	handlers := web.NewAPIHandlers(instanceService, taskService, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flowline API")
	})

	w := app.Group("/workflows")
	w.Post("/:id/execute", handlers.ExecuteWorkflow)

	i := app.Group("/instances")
	i.Get("/", handlers.GetInstances)
	i.Post("/", handlers.CreateInstance)
	i.Get("/:id", handlers.GetInstance)
	i.Patch("/:id", handlers.UpdateInstance)
	i.Delete("/:id", handlers.DeleteInstance)
	i.Post("/:id/complete", handlers.CompleteInstance)
	i.Post("/:id/fail", handlers.FailInstance)
	i.Post("/:id/cancel", handlers.CancelInstance)
	i.Post("/:id/pause", handlers.PauseInstance)
	i.Post("/:id/resume", handlers.ResumeInstance)
	i.Post("/:id/retry", handlers.RetryInstance)
	i.Put("/:id/step", handlers.UpdateInstanceStep)

	tk := app.Group("/tasks")
	tk.Get("/", handlers.GetTasks)
	tk.Post("/", handlers.CreateTask)
	tk.Get("/:id", handlers.GetTask)
	tk.Delete("/:id", handlers.DeleteTask)
	tk.Post("/:id/assign", handlers.AssignTask)
	tk.Post("/:id/start", handlers.StartTask)
	tk.Post("/:id/complete", handlers.CompleteTask)
	tk.Post("/:id/reject", handlers.RejectTask)
	tk.Post("/:id/cancel", handlers.CancelTask)
	tk.Put("/:id/form", handlers.UpdateTaskFormData)
	tk.Post("/:id/comments", handlers.AddTaskComment)
	tk.Post("/:id/attachments", handlers.AddTaskAttachment)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
