package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/AccessGate/app/controllers"
	"github.com/ManuelReschke/AccessGate/internal/pkg/cache"
	"github.com/ManuelReschke/AccessGate/internal/pkg/config"
	"github.com/ManuelReschke/AccessGate/internal/pkg/database"
	"github.com/ManuelReschke/AccessGate/internal/pkg/engine"
	"github.com/ManuelReschke/AccessGate/internal/pkg/env"
	"github.com/ManuelReschke/AccessGate/internal/pkg/ratelimit"
	"github.com/ManuelReschke/AccessGate/internal/pkg/router"
)

const (
	// Webhook payloads are small; anything larger is not a provider delivery
	bodyLimit       = 1 << 20
	shutdownTimeout = 15 * time.Second
)

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, eng, err := NewApplication(ctx, cfg)
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
	eng.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listen(fmt.Sprintf("%s:%s", cfg.AppHost, cfg.AppPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("[Main] Shutting down")
		err := app.ShutdownWithTimeout(shutdownTimeout)
		eng.Stop()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[Main] %v", err)
	}
}

// NewApplication connects the database and Redis, wires the engine and
// installs the routes. The engine is returned stopped.
func NewApplication(ctx context.Context, cfg *config.Config) (*fiber.App, *engine.Engine, error) {
	autoMigrate := env.IsDev() || cfg.DBDriver != "mysql"
	db, err := database.SetupDatabase(cfg, autoMigrate)
	if err != nil {
		return nil, nil, err
	}
	client := cache.SetupCache(cfg)

	eng, err := engine.New(ctx, cfg, db, client)
	if err != nil {
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             bodyLimit,
		DisableStartupMessage: !env.IsDev(),
	})

	// recovery, request id and logging
	app.Use(recover.New(), requestid.New(), logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
	}))

	health := controllers.NewHealthController(map[string]controllers.Pinger{
		"database": controllers.DBPinger(db),
		"redis":    cache.Ping,
	})
	admin := controllers.NewAdminController(controllers.AdminDeps{
		Access:       eng.Reconciler,
		Events:       eng.Pipeline,
		Sweeper:      eng.Sweeper,
		Queues:       eng.Manager,
		StateChecker: eng.Processor,
		Entitlements: eng.Entitlements,
		Recorder:     eng.Recorder,
	})

	var limiterStorage fiber.Storage
	if err := cache.Ping(ctx); err == nil {
		limiterStorage = ratelimit.NewRedisStorage(client, cfg.LimiterCacheDB)
	} else {
		log.Warnf("[Main] Redis unreachable, admin rate limits are kept in memory: %v", err)
	}

	// ROUTER
	router.InstallRouter(app,
		router.NewHttpRouter(controllers.NewWebhookController(eng.Pipeline), health),
		router.NewAdminRouter(admin, cfg.AdminTokens, cfg.AdminRateLimit, limiterStorage),
	)

	return app, eng, nil
}
