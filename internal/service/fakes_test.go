package service

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"github.com/kursadbilgin/clinic-dispatch/internal/provider"
	"github.com/kursadbilgin/clinic-dispatch/internal/queue"
	"github.com/kursadbilgin/clinic-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/clinic-dispatch/internal/repository"
)

// fakeStore delegates to an in-memory store unless a hook overrides the call.
type fakeStore struct {
	*repository.MemoryNotificationStore

	fetchPendingFn func(ctx context.Context, limit int, clinicID string) ([]domain.Notification, error)
	claimFn        func(ctx context.Context, id string) (bool, error)
	markSentFn     func(ctx context.Context, id string) error
	markFailedFn   func(ctx context.Context, id string, reason string) (domain.Status, error)
	releaseFn      func(ctx context.Context, id string) error
	requeueStaleFn func(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		MemoryNotificationStore: repository.NewMemoryNotificationStore(domain.NewRetryPolicy(domain.DefaultMaxAttempts)),
	}
}

func (f *fakeStore) FetchPending(ctx context.Context, limit int, clinicID string) ([]domain.Notification, error) {
	if f.fetchPendingFn != nil {
		return f.fetchPendingFn(ctx, limit, clinicID)
	}
	return f.MemoryNotificationStore.FetchPending(ctx, limit, clinicID)
}

func (f *fakeStore) Claim(ctx context.Context, id string) (bool, error) {
	if f.claimFn != nil {
		return f.claimFn(ctx, id)
	}
	return f.MemoryNotificationStore.Claim(ctx, id)
}

func (f *fakeStore) MarkSent(ctx context.Context, id string) error {
	if f.markSentFn != nil {
		return f.markSentFn(ctx, id)
	}
	return f.MemoryNotificationStore.MarkSent(ctx, id)
}

func (f *fakeStore) MarkFailed(ctx context.Context, id string, reason string) (domain.Status, error) {
	if f.markFailedFn != nil {
		return f.markFailedFn(ctx, id, reason)
	}
	return f.MemoryNotificationStore.MarkFailed(ctx, id, reason)
}

func (f *fakeStore) Release(ctx context.Context, id string) error {
	if f.releaseFn != nil {
		return f.releaseFn(ctx, id)
	}
	return f.MemoryNotificationStore.Release(ctx, id)
}

func (f *fakeStore) RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if f.requeueStaleFn != nil {
		return f.requeueStaleFn(ctx, olderThan, limit)
	}
	return f.MemoryNotificationStore.RequeueStale(ctx, olderThan, limit)
}

var _ repository.NotificationStore = (*fakeStore)(nil)

type fakeProvider struct {
	sendFn func(ctx context.Context, recipient string, templateName string, variables map[string]string) (provider.DeliveryResult, error)
}

func (f *fakeProvider) Send(ctx context.Context, recipient string, templateName string, variables map[string]string) (provider.DeliveryResult, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, recipient, templateName, variables)
	}
	return provider.Delivered(200, "msg-1"), nil
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, channel domain.Channel) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, channel domain.Channel) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, channel domain.Channel) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, channel)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []queue.DeliveryEvent
	err    error
}

func (f *fakeEventPublisher) PublishEvent(ctx context.Context, event queue.DeliveryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *fakeEventPublisher) published() []queue.DeliveryEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.DeliveryEvent(nil), f.events...)
}

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	runFn func(ctx context.Context, call int) (Summary, error)
}

func (f *fakeRunner) Run(ctx context.Context, clinicID string) (Summary, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.runFn != nil {
		return f.runFn(ctx, call)
	}
	return Summary{}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
