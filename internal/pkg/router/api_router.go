package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/FoxChat/app/controllers"
	"github.com/ManuelReschke/FoxChat/internal/pkg/config"
	"github.com/ManuelReschke/FoxChat/internal/pkg/middleware"
)

type ApiRouter struct {
	security config.SecurityConfig
	billing  *controllers.BillingController
	storage  fiber.Storage
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	limit := h.security.RateLimit
	if limit <= 0 {
		limit = 60
	}
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        limit,
		Expiration: time.Minute,
		Storage:    h.storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "message": "Too many requests"})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware(h.security.ClientAPIKey))
	v1.Post("/get-subscription-status", h.billing.HandleGetSubscriptionStatus)
	v1.Post("/sync-subscriptions", h.billing.HandleSyncSubscriptions)
	v1.Post("/create-checkout", h.billing.HandleCreateCheckout)
	v1.Post("/create-portal", h.billing.HandleCreatePortal)
}

func NewApiRouter(security config.SecurityConfig, billing *controllers.BillingController, storage fiber.Storage) *ApiRouter {
	return &ApiRouter{security: security, billing: billing, storage: storage}
}
