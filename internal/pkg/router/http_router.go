package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/FoxChat/app/controllers"
	"github.com/ManuelReschke/FoxChat/internal/pkg/cache"
	"github.com/ManuelReschke/FoxChat/internal/pkg/database"
)

type HttpRouter struct {
	billing *controllers.BillingController
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Stripe posts here; authenticated by signature, not by API key or limiter.
	app.Post("/webhook", h.billing.HandleWebhook)

	app.Get("/healthz", handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func NewHttpRouter(billing *controllers.BillingController) *HttpRouter {
	return &HttpRouter{billing: billing}
}

// handleHealth reports database reachability. The cache is optional and
// only reported.
func handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	if db := database.GetDB(); db == nil {
		dbStatus = "unavailable"
	} else if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		dbStatus = "unavailable"
	}

	cacheStatus := "ok"
	if err := cache.Ping(ctx); err != nil {
		cacheStatus = "unavailable"
	}

	status := fiber.StatusOK
	if dbStatus != "ok" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"database": dbStatus, "cache": cacheStatus})
}
