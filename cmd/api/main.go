package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kursadbilgin/clinic-dispatch/internal/app"
	"github.com/kursadbilgin/clinic-dispatch/internal/config"
	"github.com/kursadbilgin/clinic-dispatch/internal/observability"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("runtime initialization failed", zap.Error(err))
	}

	dispatcher, err := rt.NewDispatcher()
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	notifications, err := rt.NewNotificationService()
	if err != nil {
		logger.Fatal("notification service initialization failed", zap.Error(err))
	}

	server, err := app.NewHTTPApp(rt, dispatcher, notifications)
	if err != nil {
		logger.Fatal("http app initialization failed", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()
	logger.Info("clinic-dispatch api started",
		zap.Int("port", cfg.APIPort),
		zap.String("store", cfg.StoreDriver),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}

	if err := server.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Close(closeCtx); err != nil {
		logger.Error("runtime close failed", zap.Error(err))
	}
	logger.Info("clinic-dispatch api stopped")
}
