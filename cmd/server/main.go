package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"forge-backend/internal/config"
	"forge-backend/internal/engine"
	"forge-backend/internal/multiapp"
	"forge-backend/internal/storage"
	"forge-backend/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	// 2. Connect to the management database
	mgmtStore, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to management database: %v", err)
	}
	defer mgmtStore.Close()
	log.Println("Management database connected")

	// 3. Bootstrap platform tables + seed platform admin
	if err := multiapp.PlatformBootstrap(ctx, mgmtStore); err != nil {
		log.Fatalf("Failed to bootstrap platform tables: %v", err)
	}
	log.Println("Platform tables ready")

	// 4. File storage
	var fs storage.FileStorage
	if cfg.Storage.Driver == "local" {
		fs = storage.NewLocalStorage(cfg.Storage.LocalPath)
	}

	// 5. App manager: lazily connects per-app databases
	manager := multiapp.NewAppManager(mgmtStore, cfg.Database, cfg.AppPoolSize, fs, cfg.Storage.MaxFileSize, cfg.Instrumentation, cfg.AI)
	defer manager.Close()

	if err := manager.LoadAll(ctx); err != nil {
		log.Printf("WARN: Failed to preload apps: %v", err)
	}

	// 6. Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 7. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 8. Platform routes (/api/_platform/*)
	platformHandler := multiapp.NewPlatformHandler(mgmtStore, cfg.PlatformJWTSecret, manager)
	platformAuthMW := multiapp.PlatformAuthMiddleware(cfg.PlatformJWTSecret)
	multiapp.RegisterPlatformRoutes(app, platformHandler, platformAuthMW)

	// 9. App-scoped routes (/api/:app/*)
	multiapp.RegisterAppRoutes(app, manager, cfg.PlatformJWTSecret, cfg.Instrumentation)

	// 10. Background schedulers: workflow timeouts, webhook retries, event cleanup
	scheduler := multiapp.NewMultiAppScheduler(manager, cfg.Instrumentation)
	scheduler.Start()
	defer scheduler.Stop()

	// 11. Serve until interrupted
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		log.Printf("Starting server on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down")
	if err := app.Shutdown(); err != nil {
		log.Printf("WARN: Shutdown error: %v", err)
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
