package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/FoxChat/app/controllers"
	"github.com/ManuelReschke/FoxChat/internal/pkg/config"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers the public routes (webhook, health, metrics) and
// the rate-limited client API. limiterStorage may be nil for in-memory limits.
func InstallRouter(app *fiber.App, cfg config.AppConfig, billing *controllers.BillingController, limiterStorage fiber.Storage) {
	setup(app, NewHttpRouter(billing), NewApiRouter(cfg.Security, billing, limiterStorage))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
