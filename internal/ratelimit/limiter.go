package ratelimit

import (
	"context"

	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
)

// RateLimiter throttles provider calls per channel across dispatcher
// instances.
type RateLimiter interface {
	Allow(ctx context.Context, channel domain.Channel) (bool, error)
	Wait(ctx context.Context, channel domain.Channel) error
}

// Unlimited never throttles. It is used when no Redis is configured.
type Unlimited struct{}

var _ RateLimiter = Unlimited{}

func (Unlimited) Allow(ctx context.Context, channel domain.Channel) (bool, error) {
	return true, nil
}

func (Unlimited) Wait(ctx context.Context, channel domain.Channel) error {
	return ctx.Err()
}
