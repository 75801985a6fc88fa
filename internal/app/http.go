package app

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/clinic-dispatch/internal/handler"
	"github.com/kursadbilgin/clinic-dispatch/internal/transport"
)

// NewHTTPApp mounts the trigger, admin, health and metrics routes.
func NewHTTPApp(r *Runtime, dispatcher handler.DispatchRunner, notifications handler.NotificationService) (*fiber.App, error) {
	server := fiber.New(fiber.Config{
		AppName:               r.Config.ServiceName,
		ErrorHandler:          transport.ErrorHandler(r.Logger),
		DisableStartupMessage: true,
	})

	server.Use(recover.New())
	server.Use(requestid.New())
	server.Use(r.Metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(server, r.ReadinessChecks()...)
	server.Get("/metrics", adaptor.HTTPHandler(r.Metrics.Handler()))

	if err := handler.RegisterDispatchRoutes(server, dispatcher, r.Config.CronSecret, r.Logger); err != nil {
		return nil, err
	}
	if err := handler.RegisterNotificationRoutes(server, notifications); err != nil {
		return nil, err
	}

	return server, nil
}
