package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/robfig/cron/v3"

	"github.com/subherald/subherald/app/controllers"
	"github.com/subherald/subherald/app/repository"
	"github.com/subherald/subherald/internal/pkg/billing"
	"github.com/subherald/subherald/internal/pkg/cache"
	"github.com/subherald/subherald/internal/pkg/database"
	"github.com/subherald/subherald/internal/pkg/deadletter"
	"github.com/subherald/subherald/internal/pkg/env"
	"github.com/subherald/subherald/internal/pkg/lifecycle"
	"github.com/subherald/subherald/internal/pkg/mail"
	"github.com/subherald/subherald/internal/pkg/metrics/counter"
	"github.com/subherald/subherald/internal/pkg/router"
	"github.com/subherald/subherald/internal/pkg/webhooks"
)

// appConfig carries the validated daemon settings read from the environment.
type appConfig struct {
	Host          string `validate:"required"`
	Port          string `validate:"required,numeric"`
	OperatorEmail string `validate:"omitempty,email"`
	MetricsUser   string `validate:"required"`
	MetricsPass   string `validate:"required"`
	MaxAttempts   int    `validate:"gte=1,lte=20"`
	ScanSchedule  string `validate:"required"`
	SweepSchedule string `validate:"required"`
}

func loadConfig() (*appConfig, error) {
	cfg := &appConfig{
		Host:          env.GetEnv("APP_HOST", "0.0.0.0"),
		Port:          env.GetEnv("APP_PORT", "4000"),
		OperatorEmail: env.GetEnv("OPERATOR_EMAIL", ""),
		MetricsUser:   env.GetEnv("METRICS_USER", "admin"),
		MetricsPass:   env.GetEnv("METRICS_PASSWORD", "admin"),
		MaxAttempts:   webhooks.DefaultRetryConfig().MaxAttempts,
		ScanSchedule:  env.GetEnv("LIFECYCLE_SCAN_SCHEDULE", "@hourly"),
		SweepSchedule: env.GetEnv("DELIVERY_SWEEP_SCHEDULE", "@every 2m"),
	}
	if v, err := strconv.Atoi(env.GetEnv("WEBHOOK_MAX_ATTEMPTS", "")); err == nil && v > 0 {
		cfg.MaxAttempts = v
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	env.SetupEnvFile()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	processor, err := billing.NewStripeProcessorFromEnv()
	if err != nil {
		if errors.Is(err, billing.ErrNotConfigured) {
			log.Fatal("STRIPE_SECRET_KEY is not configured")
		}
		log.Fatalf("Failed to initialize billing processor: %v", err)
	}

	repos := repository.GetGlobalFactory()
	mirrors := repos.GetMirrorRepository()
	endpoints := repos.GetEndpointRepository()
	eventsRepo := repos.GetEventRepository()
	attempts := repos.GetAttemptRepository()
	notices := repos.GetNoticeRepository()

	manager := webhooks.GetManager()
	dispatcher := webhooks.NewDispatcher(eventsRepo, endpoints, attempts, manager, cfg.MaxAttempts)
	service := billing.NewService(processor, mirrors, dispatcher)
	scheduler := lifecycle.NewScheduler(mirrors, notices, dispatcher)

	var archiver webhooks.Archiver
	if dlCfg, err := deadletter.LoadConfig(); err != nil {
		log.Fatalf("Invalid dead-letter configuration: %v", err)
	} else if dlCfg.IsEnabled() {
		a, err := deadletter.NewArchiver(dlCfg)
		if err != nil {
			log.Fatalf("Failed to initialize dead-letter archive: %v", err)
		}
		archiver = a
	}

	engine := webhooks.NewEngine(webhooks.EngineConfig{
		Attempts:  attempts,
		Events:    eventsRepo,
		Endpoints: endpoints,
		Enqueuer:  manager,
		Policy: webhooks.NewRetryPolicy(webhooks.RetryConfig{
			MaxAttempts: cfg.MaxAttempts,
		}),
		OperatorEmail: cfg.OperatorEmail,
		Alert:         mail.SendMail,
		Archive:       archiver,
		OnAttempted:   func(endpointID uint) { _ = counter.AddAttempted(endpointID) },
		OnDelivered:   func(endpointID uint) { _ = counter.AddDelivered(endpointID) },
		OnExhausted:   func(endpointID uint) { _ = counter.AddExhausted(endpointID) },
	})

	manager.Start(engine)

	controllers.InitProcessorWebhook(service, dispatcher, billing.WebhookSecret())

	c := cron.New()
	if _, err := c.AddFunc(cfg.ScanSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := scheduler.Scan(ctx); err != nil {
			fiberlog.Errorf("[Main] Lifecycle scan failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("Invalid scan schedule %q: %v", cfg.ScanSchedule, err)
	}
	if _, err := c.AddFunc(cfg.SweepSchedule, func() {
		if _, err := engine.RetryFailedWebhooks(); err != nil {
			fiberlog.Errorf("[Main] Delivery sweep failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("Invalid sweep schedule %q: %v", cfg.SweepSchedule, err)
	}
	c.Start()

	app := newFiberApp(cfg, service, engine)

	go func() {
		if err := app.Listen(fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	fiberlog.Infof("[Main] subherald listening on %s:%s", cfg.Host, cfg.Port)

	gracefulShutdown(app, c, manager)
}

func newFiberApp(cfg *appConfig, service *billing.Service, engine *webhooks.Engine) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit:   1 << 20,
		ReadTimeout: 30 * time.Second,
	})

	app.Use(recover.New(), logger.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			cfg.MetricsUser: cfg.MetricsPass,
		},
	}), monitor.New())

	router.InstallRouter(app, service, engine)

	return app
}

func gracefulShutdown(app *fiber.App, c *cron.Cron, manager *webhooks.Manager) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	fiberlog.Info("[Main] Shutting down")

	// Stop accepting work before draining it.
	if err := app.Shutdown(); err != nil {
		fiberlog.Errorf("[Main] Server shutdown failed: %v", err)
	}
	<-c.Stop().Done()
	manager.Stop()

	if db := database.GetDB(); db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	fiberlog.Info("[Main] Shutdown complete")
}
