// handlers/health.go
package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is anything whose liveness /health reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

func SetupHealthRoutes(app *fiber.App, deps map[string]Pinger, gatherer prometheus.Gatherer) {
	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		checks := fiber.Map{}
		healthy := true
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		status := fiber.StatusOK
		state := "ok"
		if !healthy {
			status = fiber.StatusServiceUnavailable
			state = "degraded"
		}
		return c.Status(status).JSON(fiber.Map{"status": state, "checks": checks})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
