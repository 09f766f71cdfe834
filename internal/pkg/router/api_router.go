package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/AccessGate/app/controllers"
	"github.com/ManuelReschke/AccessGate/internal/pkg/middleware"
	"github.com/ManuelReschke/AccessGate/internal/pkg/ratelimit"
)

// AdminRouter serves the operator API behind ADMIN_TOKENS.
type AdminRouter struct {
	admin     *controllers.AdminController
	tokens    map[string]string
	rateLimit int
	storage   fiber.Storage
}

// NewAdminRouter builds the operator routes. A nil storage keeps limiter
// counters in memory.
func NewAdminRouter(admin *controllers.AdminController, tokens map[string]string, rateLimit int, storage fiber.Storage) *AdminRouter {
	return &AdminRouter{admin: admin, tokens: tokens, rateLimit: rateLimit, storage: storage}
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	admin := app.Group("/admin",
		ratelimit.New(h.rateLimit, h.storage),
		middleware.AdminTokenMiddleware(h.tokens),
	)

	admin.Get("/subscriptions/:id", h.admin.HandleGetSubscription)
	admin.Post("/subscriptions/:id/grant", h.admin.HandleManualGrant)
	admin.Post("/subscriptions/:id/revoke", h.admin.HandleManualRevoke)
	admin.Get("/customers/:id/entitlements", h.admin.HandleCustomerEntitlements)

	// Job queues
	admin.Get("/queues", h.admin.HandleQueueStats)
	admin.Get("/dlq/:queue", h.admin.HandleListDeadLetters)
	admin.Post("/dlq/:queue/:jobId/replay", h.admin.HandleReplayDeadLetter)

	// Events + sweeps
	admin.Get("/events/failed", h.admin.HandleListFailedEvents)
	admin.Post("/events/:id/reprocess", h.admin.HandleReprocessEvent)
	admin.Post("/sweeps/grace", h.admin.HandleGraceSweep)
}
