package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/clinic-dispatch/internal/observability"
	"github.com/kursadbilgin/clinic-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRecoveryScanInterval = time.Minute
	defaultStaleAfter           = 10 * time.Minute
	defaultRecoveryScanLimit    = 100
)

// RecoverySweeper returns records stuck in sending, typically after a crash
// between Claim and the status writeback, to pending.
type RecoverySweeper struct {
	store      repository.NotificationStore
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewRecoverySweeper(
	store repository.NotificationStore,
	interval time.Duration,
	staleAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*RecoverySweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	if interval <= 0 {
		interval = defaultRecoveryScanInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if limit <= 0 {
		limit = defaultRecoveryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RecoverySweeper{
		store:      store,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *RecoverySweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RecoverySweeper) Start(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("recovery sweeper initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("recovery sweeper sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep requeues up to one limit of stale sending records and reports how many
// moved.
func (s *RecoverySweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.staleAfter)

	requeued, err := s.store.RequeueStale(ctx, cutoff, s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale notifications: %w", err)
	}

	if requeued > 0 {
		s.metrics.AddStaleRequeued(requeued)
		s.logger.Warn("requeued notifications stuck in sending",
			zap.Int64("count", requeued),
			zap.Time("olderThan", cutoff),
		)
	}
	return requeued, nil
}
