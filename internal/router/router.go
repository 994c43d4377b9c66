package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/nilai-go-api/internal/config"
	"github.com/noah-isme/nilai-go-api/internal/handler"
	"github.com/noah-isme/nilai-go-api/internal/middleware"
	"github.com/noah-isme/nilai-go-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AssignmentHandler *handler.AssignmentHandler
	GradingHandler    *handler.GradingHandler
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	app.Get("/metrics", observability.MetricsHandler())

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	teacherOnly := middleware.RequireRole("teacher", "admin")

	if deps.AssignmentHandler != nil {
		assignments := api.Group("/assignments", jwtMiddleware)
		// Authoring is teacher-only; reads are open to any authenticated user.
		assignments.Use(func(c *fiber.Ctx) error {
			if c.Method() == fiber.MethodGet {
				return c.Next()
			}
			return teacherOnly(c)
		})
		deps.AssignmentHandler.Register(assignments)
	}

	if deps.GradingHandler != nil {
		submissions := api.Group("/submissions", jwtMiddleware)
		deps.GradingHandler.Register(submissions, teacherOnly)
	}
}
