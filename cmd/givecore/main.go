package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/openkindness/givecore/app/controllers"
	"github.com/openkindness/givecore/internal/pkg/cache"
	"github.com/openkindness/givecore/internal/pkg/database"
	"github.com/openkindness/givecore/internal/pkg/donation"
	"github.com/openkindness/givecore/internal/pkg/env"
	"github.com/openkindness/givecore/internal/pkg/gateway"
	"github.com/openkindness/givecore/internal/pkg/ledger"
	"github.com/openkindness/givecore/internal/pkg/outbox"
	"github.com/openkindness/givecore/internal/pkg/receipt"
	"github.com/openkindness/givecore/internal/pkg/router"
	"github.com/openkindness/givecore/internal/pkg/scheduler"
)

func main() {
	app, worker, sweeper := NewApplication()

	worker.Start()
	sweeper.Start()

	// graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		sweeper.Stop()
		worker.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *outbox.Worker, *scheduler.Scheduler) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repo := ledger.NewRepository(database.GetDB())
	adapter := gateway.NewFreedomPayClientFromEnv()

	store, err := receipt.NewS3StoreFromEnv(context.Background())
	if err != nil {
		log.Fatalf("receipt store: %v", err)
	}
	receipts := receipt.NewGenerator(repo, store)

	svc := donation.NewService(repo, adapter, donation.DefaultRetryPolicy())
	reconciler := donation.NewReconciler(repo, receipts, svc.Retry())

	controllers.SetDonationService(svc)
	controllers.SetWebhookReconciler(reconciler, env.GetEnv("FREEDOMPAY_SECRET_KEY", ""))

	worker := outbox.NewWorker(repo, adapter)
	sweeper := scheduler.NewScheduler(svc)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "givecore",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app, worker, sweeper
}
