package service

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"go.uber.org/zap"
)

const defaultSchedulerInterval = 30 * time.Second

// Runner runs one dispatch batch.
type Runner interface {
	Run(ctx context.Context, clinicID string) (Summary, error)
}

// Scheduler triggers a dispatch run across all clinics on a fixed interval,
// for deployments without an external cron.
type Scheduler struct {
	runner    Runner
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

func NewScheduler(runner Runner, interval time.Duration, batchSize int, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("dispatch runner is required")
	}
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		runner:    runner,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.drain(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		summary, err := s.runner.Run(ctx, "")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("scheduled dispatch run failed",
				zap.Error(err),
				zap.Bool("storeUnavailable", errors.Is(err, domain.ErrStoreUnavailable)),
			)
			return
		}

		// Failed records go back to pending and would be fetched again at once,
		// so only a full batch of successes triggers another immediate run.
		if summary.Fetched < s.batchSize || summary.Sent != summary.Fetched {
			return
		}
	}
}
