package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kursadbilgin/clinic-dispatch/internal/app"
	"github.com/kursadbilgin/clinic-dispatch/internal/config"
	"github.com/kursadbilgin/clinic-dispatch/internal/observability"
	"github.com/kursadbilgin/clinic-dispatch/internal/queue"
	"github.com/kursadbilgin/clinic-dispatch/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 15 * time.Second
	intakePrefetch  = 16
)

// The worker runs the periodic dispatch trigger, the stale sending sweeper
// and, when a broker is configured, the intake consumer.
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
	scheduler, err := service.NewScheduler(dispatcher, cfg.DispatchInterval(), cfg.DispatchBatchSize, logger)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}
	sweeper, err := service.NewRecoverySweeper(rt.Store, cfg.RecoveryScanInterval(), cfg.StaleSendingAfter(), 0, logger)
	if err != nil {
		logger.Fatal("recovery sweeper initialization failed", zap.Error(err))
	}
	sweeper.SetMetrics(rt.Metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Start(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })

	if rt.Rabbit != nil {
		notifications, err := rt.NewNotificationService()
		if err != nil {
			logger.Fatal("notification service initialization failed", zap.Error(err))
		}
		consumer := queue.NewRabbitMQConsumer(rt.Rabbit, intakePrefetch, logger)
		g.Go(func() error { return consumer.Consume(gctx, notifications.HandleIntake) })
	} else {
		logger.Info("RABBITMQ_URL not set, intake consumer disabled")
	}

	logger.Info("clinic-dispatch worker started",
		zap.Duration("dispatchInterval", cfg.DispatchInterval()),
		zap.Duration("staleSendingAfter", cfg.StaleSendingAfter()),
	)

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Close(closeCtx); err != nil {
		logger.Error("runtime close failed", zap.Error(err))
	}
	logger.Info("clinic-dispatch worker stopped")
}
