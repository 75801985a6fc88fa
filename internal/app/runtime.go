package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/clinic-dispatch/internal/config"
	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"github.com/kursadbilgin/clinic-dispatch/internal/handler"
	"github.com/kursadbilgin/clinic-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/clinic-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/clinic-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/clinic-dispatch/internal/observability"
	"github.com/kursadbilgin/clinic-dispatch/internal/provider"
	"github.com/kursadbilgin/clinic-dispatch/internal/queue"
	"github.com/kursadbilgin/clinic-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/clinic-dispatch/internal/repository"
	"github.com/kursadbilgin/clinic-dispatch/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Runtime holds the backends shared by the api and worker binaries. Optional
// backends (redis, rabbitmq) stay nil when their URL is not configured.
type Runtime struct {
	Config         *config.Config
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	TracerProvider trace.TracerProvider

	DB     *gorm.DB
	Redis  *goredis.Client
	Rabbit *queue.RabbitMQ

	Store    repository.NotificationStore
	Attempts repository.AttemptRepository

	closers []func(context.Context) error
}

func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}

	if err := r.open(ctx); err != nil {
		_ = r.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return r, nil
}

func (r *Runtime) open(ctx context.Context) error {
	cfg := r.Config

	tp, shutdown, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
	}, r.Logger)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	r.TracerProvider = tp
	r.closers = append(r.closers, shutdown)

	policy := domain.NewRetryPolicy(cfg.DispatchRetryMax)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		r.Logger.Warn("using in-memory notification store, state is lost on restart")
		r.Store = repository.NewMemoryNotificationStore(policy)
		r.Attempts = repository.NewMemoryAttemptRepo()
	default:
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		r.closers = append(r.closers, func(context.Context) error { return sqlDB.Close() })
		r.DB = db

		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
		r.Store = repository.NewGormNotificationStore(db, policy)
		r.Attempts = repository.NewGormAttemptRepo(db)
	}

	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		r.Redis = rdb
		r.closers = append(r.closers, func(context.Context) error { return rdb.Close() })
	}

	if cfg.RabbitMQURL != "" {
		rabbit, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			return err
		}
		r.Rabbit = rabbit
		r.closers = append(r.closers, func(context.Context) error { return rabbit.Close() })
	}

	return nil
}

// Close releases backends in reverse open order.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}

	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// RateLimiter is the redis fixed window limiter when redis is configured.
func (r *Runtime) RateLimiter() (ratelimit.RateLimiter, error) {
	if r.Redis == nil {
		return ratelimit.Unlimited{}, nil
	}
	return infraredis.NewRedisRateLimiter(r.Redis, r.Config.RateLimitPerSec)
}

func (r *Runtime) ProviderSettings() []provider.Setting {
	cfg := r.Config
	return []provider.Setting{
		{Channel: domain.ChannelWhatsApp, Kind: cfg.WhatsAppProvider, Token: cfg.WhatsAppProviderToken},
		{Channel: domain.ChannelSMS, Kind: cfg.SMSProvider, Token: cfg.SMSProviderToken},
		{Channel: domain.ChannelEmail, Kind: cfg.EmailProvider, Token: cfg.EmailProviderToken},
	}
}

func (r *Runtime) NewDispatcher() (*service.Dispatcher, error) {
	registry, err := provider.BuildRegistry(r.ProviderSettings(), r.Logger)
	if err != nil {
		return nil, fmt.Errorf("provider registry: %w", err)
	}

	limiter, err := r.RateLimiter()
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	d, err := service.NewDispatcher(r.Store, r.Attempts, registry, limiter, service.DispatcherConfig{
		BatchSize:   r.Config.DispatchBatchSize,
		Concurrency: r.Config.DispatchConcurrency,
		SendTimeout: r.Config.SendTimeout(),
	}, r.Logger)
	if err != nil {
		return nil, err
	}

	d.SetMetrics(r.Metrics)
	d.SetTracerProvider(r.TracerProvider)
	if r.Rabbit != nil {
		d.SetEventPublisher(queue.NewRabbitMQPublisher(r.Rabbit))
	}
	return d, nil
}

func (r *Runtime) NewNotificationService() (*service.NotificationService, error) {
	svc, err := service.NewNotificationService(r.Store, r.Attempts, r.Logger)
	if err != nil {
		return nil, err
	}
	svc.SetMetrics(r.Metrics)
	return svc, nil
}

func (r *Runtime) ReadinessChecks() []handler.ReadinessCheck {
	checks := make([]handler.ReadinessCheck, 0, 3)
	if r.DB != nil {
		if sqlDB, err := r.DB.DB(); err == nil {
			checks = append(checks, handler.PostgresCheck(sqlDB))
		}
	}
	if r.Redis != nil {
		checks = append(checks, handler.RedisCheck(r.Redis))
	}
	if r.Rabbit != nil {
		checks = append(checks, handler.RabbitMQCheck(r.Rabbit))
	}
	return checks
}
