package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/AccessGate/app/controllers"
)

// HttpRouter serves provider webhooks, health and metrics.
type HttpRouter struct {
	webhooks *controllers.WebhookController
	health   *controllers.HealthController
}

func NewHttpRouter(webhooks *controllers.WebhookController, health *controllers.HealthController) *HttpRouter {
	return &HttpRouter{webhooks: webhooks, health: health}
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.health.HandleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Providers sign the raw body; no body-rewriting middleware on this group
	webhooks := app.Group("/webhooks")
	webhooks.Post("/:provider", h.webhooks.HandleWebhook)
}
