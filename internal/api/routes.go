package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Checker-Finance/sugar-adapter/internal/sugar"
)

// HealthChecker is implemented by the record cache.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies are the optional components reported by /health.
// Nil members are reported as "disabled".
type Dependencies struct {
	NATS    *nats.Conn
	Store   HealthChecker
	Session *sugar.Session
}

// RegisterRoutes registers all HTTP routes on the Fiber app.
func RegisterRoutes(app *fiber.App, deps Dependencies, h *SugarHandler) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", healthHandler(deps))

	v1 := app.Group("/api/v1", RequestID())
	v1.Get("/me", h.Me)
	v1.Get("/search", h.Search)
	v1.Get("/users", h.SearchUsers)
	v1.Post("/log", h.Log)

	records := v1.Group("/records/:module")
	records.Get("/", h.SearchModule)
	records.Post("/", h.CreateRecord)
	records.Get("/:id", h.GetRecord)
	records.Put("/:id", h.UpdateRecord)
	records.Delete("/:id", h.DeleteRecord)
	records.Put("/:id/favorite", h.Favorite)
	records.Delete("/:id/favorite", h.Unfavorite)
}

func healthHandler(deps Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		checks := map[string]string{
			"nats":  "disabled",
			"store": "disabled",
			"sugar": "disabled",
		}
		status := "ok"
		code := fiber.StatusOK
		degrade := func(name, reason string) {
			checks[name] = reason
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		if deps.NATS != nil {
			if !deps.NATS.IsConnected() {
				degrade("nats", "disconnected")
			} else if err := deps.NATS.FlushTimeout(1 * time.Second); err != nil {
				degrade("nats", err.Error())
			} else {
				checks["nats"] = "ok"
			}
		}

		if deps.Store != nil {
			healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := deps.Store.HealthCheck(healthCtx); err != nil {
				degrade("store", err.Error())
			} else {
				checks["store"] = "ok"
			}
		}

		if deps.Session != nil {
			// informational; the service logs in again on demand
			checks["sugar"] = deps.Session.State().String()
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	}
}
