package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/google/uuid"

	"github.com/ManuelReschke/FoxChat/app/controllers"
	"github.com/ManuelReschke/FoxChat/internal/pkg/billing"
	"github.com/ManuelReschke/FoxChat/internal/pkg/cache"
	"github.com/ManuelReschke/FoxChat/internal/pkg/config"
	"github.com/ManuelReschke/FoxChat/internal/pkg/database"
	"github.com/ManuelReschke/FoxChat/internal/pkg/env"
	"github.com/ManuelReschke/FoxChat/internal/pkg/router"
)

func main() {
	if err := env.SetupEnvFile(); err != nil {
		log.Warnf("[App] %v, using process environment", err)
	}
	if !env.IsDev() {
		log.SetLevel(log.LevelInfo)
	}
	cfg := config.Load()

	app, err := NewApplication(cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Fatal(app.Listen(fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)))
}

func NewApplication(cfg config.AppConfig) (*fiber.App, error) {
	db, err := database.SetupDatabase(cfg.DB)
	if err != nil {
		return nil, err
	}
	rdb := cache.SetupCache(cfg.Cache)

	// A missing key leaves the provider unset; the affected endpoints then
	// answer billing_not_configured and resolution stays local.
	var provider billing.Provider
	if p, err := billing.NewStripeProvider(cfg.Billing); err != nil {
		log.Warnf("[Billing] %v", err)
	} else {
		provider = p
	}
	if err := cfg.Billing.RequireWebhook(); err != nil {
		log.Warnf("[Billing] %v", err)
	}

	svc := billing.NewServiceFromDB(db, provider, cfg.Billing)
	throttle := billing.NewSyncThrottle(rdb, cfg.Billing.SyncThrottle)
	billingController := controllers.NewBillingController(svc, throttle)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery, request ids and logging
	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
	}))

	// SWAGGER / OPENAPI
	if specPath := findOpenAPISpec(); specPath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: specPath,
			Path:     "v1",
		}))
	} else {
		log.Warn("[App] public/docs/v1/openapi.yml not found, API docs disabled")
	}

	// ROUTER
	router.InstallRouter(app, cfg, billingController, limiterStorage(cfg.Cache))

	return app, nil
}

// limiterStorage shares rate-limit counters through Redis when it answers.
// The storage constructor panics on an unreachable server, so check first.
func limiterStorage(cfg config.CacheConfig) fiber.Storage {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cache.Ping(ctx); err != nil {
		log.Warn("[App] cache unavailable, rate limits are per instance")
		return nil
	}
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return redisstorage.New(redisstorage.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: 1, // cache and throttle use DB 0
		Reset:    false,
	})
}

func findOpenAPISpec() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/foxchat to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		candidate := path + "public/docs/v1/openapi.yml"
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
