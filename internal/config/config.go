package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	StoreDriver string `env:"STORE_DRIVER,default=postgres"`
	DatabaseDSN string `env:"DATABASE_DSN"`
	RedisURL    string `env:"REDIS_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	DispatchBatchSize          int `env:"DISPATCH_BATCH_SIZE,default=50"`
	DispatchConcurrency        int `env:"DISPATCH_CONCURRENCY,default=8"`
	DispatchRetryMax           int `env:"DISPATCH_RETRY_MAX,default=3"`
	DispatchSendTimeoutSeconds int `env:"DISPATCH_SEND_TIMEOUT_SECONDS,default=10"`
	DispatchIntervalSeconds    int `env:"DISPATCH_INTERVAL_SECONDS,default=30"`

	StaleSendingAfterSeconds    int `env:"STALE_SENDING_AFTER_SECONDS,default=600"`
	RecoveryScanIntervalSeconds int `env:"RECOVERY_SCAN_INTERVAL_SECONDS,default=60"`
	RateLimitPerSec             int `env:"RATE_LIMIT_PER_SEC,default=100"`

	// *_PROVIDER is "log", an http(s) gateway URL, or empty to leave the
	// channel unregistered.
	WhatsAppProvider      string `env:"WHATSAPP_PROVIDER"`
	WhatsAppProviderToken string `env:"WHATSAPP_PROVIDER_TOKEN"`
	SMSProvider           string `env:"SMS_PROVIDER"`
	SMSProviderToken      string `env:"SMS_PROVIDER_TOKEN"`
	EmailProvider         string `env:"EMAIL_PROVIDER"`
	EmailProviderToken    string `env:"EMAIL_PROVIDER_TOKEN"`

	CronSecret string `env:"CRON_SECRET"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME,default=clinic-dispatch"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("invalid config: DATABASE_DSN is required for the postgres store")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("invalid config: STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"API_PORT", c.APIPort},
		{"DISPATCH_BATCH_SIZE", c.DispatchBatchSize},
		{"DISPATCH_CONCURRENCY", c.DispatchConcurrency},
		{"DISPATCH_RETRY_MAX", c.DispatchRetryMax},
		{"DISPATCH_SEND_TIMEOUT_SECONDS", c.DispatchSendTimeoutSeconds},
		{"DISPATCH_INTERVAL_SECONDS", c.DispatchIntervalSeconds},
		{"STALE_SENDING_AFTER_SECONDS", c.StaleSendingAfterSeconds},
		{"RECOVERY_SCAN_INTERVAL_SECONDS", c.RecoveryScanIntervalSeconds},
		{"RATE_LIMIT_PER_SEC", c.RateLimitPerSec},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %d", p.name, p.value)
		}
	}

	// A send that outlives the stale window would be requeued while in flight.
	if c.DispatchSendTimeoutSeconds >= c.StaleSendingAfterSeconds {
		return fmt.Errorf("invalid config: STALE_SENDING_AFTER_SECONDS must exceed DISPATCH_SEND_TIMEOUT_SECONDS")
	}

	return nil
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.DispatchSendTimeoutSeconds) * time.Second
}

func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSeconds) * time.Second
}

func (c *Config) StaleSendingAfter() time.Duration {
	return time.Duration(c.StaleSendingAfterSeconds) * time.Second
}

func (c *Config) RecoveryScanInterval() time.Duration {
	return time.Duration(c.RecoveryScanIntervalSeconds) * time.Second
}
