package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"github.com/kursadbilgin/clinic-dispatch/internal/observability"
	"github.com/kursadbilgin/clinic-dispatch/internal/provider"
	"github.com/kursadbilgin/clinic-dispatch/internal/queue"
	"github.com/kursadbilgin/clinic-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/clinic-dispatch/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize   = 50
	defaultConcurrency = 8
	defaultSendTimeout = 10 * time.Second
	writebackTimeout   = 5 * time.Second
	tracerName         = "github.com/kursadbilgin/clinic-dispatch/internal/service"
)

// ProviderResolver looks up the provider for a channel.
type ProviderResolver interface {
	Resolve(channel domain.Channel) (provider.Provider, error)
}

// Summary counts what one run did with the records it fetched. Every fetched
// record lands in exactly one of Sent, Failed or Skipped.
type Summary struct {
	Fetched int
	Sent    int
	Failed  int
	Skipped int
}

type DispatcherConfig struct {
	BatchSize   int
	Concurrency int
	SendTimeout time.Duration
}

type recordOutcome int

const (
	outcomeSkipped recordOutcome = iota
	outcomeClaimError
	outcomeSent
	outcomeFailed
)

// Dispatcher drains pending notifications through their channel providers.
// Concurrent runs are safe: Claim decides which run owns a record.
type Dispatcher struct {
	store     repository.NotificationStore
	attempts  repository.AttemptRepository
	providers ProviderResolver
	limiter   ratelimit.RateLimiter
	events    queue.EventPublisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer

	batchSize   int
	concurrency int
	sendTimeout time.Duration
	now         func() time.Time
}

func NewDispatcher(
	store repository.NotificationStore,
	attempts repository.AttemptRepository,
	providers ProviderResolver,
	limiter ratelimit.RateLimiter,
	cfg DispatcherConfig,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		store:       store,
		attempts:    attempts,
		providers:   providers,
		limiter:     limiter,
		logger:      logger,
		tracer:      observability.Tracer(nil, tracerName),
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		sendTimeout: cfg.SendTimeout,
		now:         time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

func (d *Dispatcher) SetEventPublisher(events queue.EventPublisher) {
	if d == nil {
		return
	}
	d.events = events
}

func (d *Dispatcher) SetTracerProvider(tp trace.TracerProvider) {
	if d == nil {
		return
	}
	d.tracer = observability.Tracer(tp, tracerName)
}

// Run processes up to one batch of pending records, optionally scoped to a
// clinic. It fails with domain.ErrStoreUnavailable when the batch cannot be
// fetched or when every fetched record failed to be claimed.
func (d *Dispatcher) Run(ctx context.Context, clinicID string) (Summary, error) {
	runID := uuid.NewString()
	ctx = observability.WithRunID(observability.WithClinicID(ctx, clinicID), runID)
	logger := observability.WithContextLogger(d.logger, ctx)

	ctx, span := d.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("clinic.id", clinicID),
		attribute.String("dispatch.run_id", runID),
	))
	defer span.End()

	started := d.now()

	records, err := d.store.FetchPending(ctx, d.batchSize, clinicID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch pending failed")
		d.metrics.ObserveDispatchRun("store_unavailable", d.now().Sub(started))
		logger.Error("failed to fetch pending notifications", zap.Error(err))
		return Summary{}, fmt.Errorf("%w: fetch pending: %w", domain.ErrStoreUnavailable, err)
	}

	var sent, failed, skipped, claimErrors atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)
	for i := range records {
		notification := records[i]
		g.Go(func() error {
			switch d.process(ctx, logger, runID, notification) {
			case outcomeSent:
				sent.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeClaimError:
				claimErrors.Add(1)
				skipped.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Fetched: len(records),
		Sent:    int(sent.Load()),
		Failed:  int(failed.Load()),
		Skipped: int(skipped.Load()),
	}
	span.SetAttributes(
		attribute.Int("dispatch.fetched", summary.Fetched),
		attribute.Int("dispatch.sent", summary.Sent),
		attribute.Int("dispatch.failed", summary.Failed),
		attribute.Int("dispatch.skipped", summary.Skipped),
	)

	if summary.Fetched > 0 && int(claimErrors.Load()) == summary.Fetched {
		span.SetStatus(codes.Error, "every claim failed")
		d.metrics.ObserveDispatchRun("store_unavailable", d.now().Sub(started))
		logger.Error("dispatch run could not claim any notification", zap.Int("fetched", summary.Fetched))
		return summary, fmt.Errorf("%w: every claim in the batch failed", domain.ErrStoreUnavailable)
	}

	d.metrics.ObserveDispatchRun("ok", d.now().Sub(started))
	logger.Info("dispatch run finished",
		zap.Int("fetched", summary.Fetched),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", d.now().Sub(started)),
	)

	return summary, nil
}

func (d *Dispatcher) process(ctx context.Context, logger *zap.Logger, runID string, n domain.Notification) recordOutcome {
	if ctx.Err() != nil {
		d.metrics.IncNotificationSkipped("canceled")
		return outcomeSkipped
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.record", trace.WithAttributes(
		attribute.String("notification.id", n.ID),
		attribute.String("notification.channel", n.Channel.String()),
	))
	defer span.End()

	logger = logger.With(
		zap.String("notificationId", n.ID),
		zap.String("channel", n.Channel.String()),
	)

	claimed, err := d.store.Claim(ctx, n.ID)
	if err != nil {
		span.RecordError(err)
		d.metrics.IncNotificationSkipped("claim_error")
		logger.Error("failed to claim notification", zap.Error(err))
		return outcomeClaimError
	}
	if !claimed {
		d.metrics.IncNotificationSkipped("claim_conflict")
		logger.Debug("notification claimed elsewhere, skipping")
		return outcomeSkipped
	}

	p, err := d.providers.Resolve(n.Channel)
	if err != nil {
		// Retrying cannot register a provider, so the record fails for good.
		return d.failPermanently(ctx, logger, runID, n, err.Error(), "unknown_channel")
	}

	if err := d.limiter.Wait(ctx, n.Channel); err != nil {
		if ctx.Err() != nil {
			return d.release(ctx, logger, n)
		}
		return d.fail(ctx, logger, runID, n, fmt.Sprintf("rate limiter: %v", err), "rate_limited")
	}

	attemptNumber := n.Attempts + 1
	result, sendErr := d.send(ctx, p, n)
	d.recordAttempt(ctx, logger, n.ID, attemptNumber, result, sendErr)

	if sendErr != nil && ctx.Err() != nil {
		return d.release(ctx, logger, n)
	}
	if sendErr != nil {
		span.RecordError(sendErr)
		metricReason := "provider_error"
		if provider.IsTransient(sendErr) {
			metricReason = "transient"
		}
		return d.fail(ctx, logger, runID, n, sendErr.Error(), metricReason)
	}
	if !result.IsDelivered() {
		return d.fail(ctx, logger, runID, n, rejectionReason(result), "rejected")
	}

	writeCtx, cancel := d.writebackContext(ctx)
	defer cancel()

	if err := d.store.MarkSent(writeCtx, n.ID); err != nil {
		span.RecordError(err)
		d.logWritebackError(logger, "mark sent", err)
		d.metrics.IncNotificationFailed(n.Channel.String(), "writeback_error")
		return outcomeFailed
	}

	d.metrics.IncNotificationSent(n.Channel.String())
	d.publish(ctx, logger, queue.DeliveryEvent{
		NotificationID: n.ID,
		ClinicID:       n.ClinicID,
		Channel:        n.Channel,
		Status:         domain.StatusSent,
		Attempts:       n.Attempts,
		MessageID:      result.MessageID,
		RunID:          runID,
	})
	logger.Info("notification sent", zap.String("messageId", result.MessageID))
	return outcomeSent
}

// send calls the provider under the send timeout. The call is abandoned when
// the deadline passes even if the provider ignores ctx.
func (d *Dispatcher) send(ctx context.Context, p provider.Provider, n domain.Notification) (provider.DeliveryResult, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	type sendResult struct {
		result provider.DeliveryResult
		err    error
	}
	done := make(chan sendResult, 1)

	channel := n.Channel.String()
	d.metrics.IncInFlight(channel)
	defer d.metrics.DecInFlight(channel)

	started := d.now()
	go func() {
		result, err := p.Send(sendCtx, n.Recipient, n.TemplateName, n.Variables)
		done <- sendResult{result: result, err: err}
	}()

	var out sendResult
	select {
	case out = <-done:
	case <-sendCtx.Done():
		out = sendResult{err: sendCtx.Err()}
	}
	d.metrics.ObserveNotificationSendDuration(channel, d.now().Sub(started))

	if out.err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		return provider.DeliveryResult{}, &provider.ProviderError{
			Message:   fmt.Sprintf("send timed out after %s", d.sendTimeout),
			Transient: true,
			Cause:     out.err,
		}
	}
	return out.result, out.err
}

func (d *Dispatcher) fail(ctx context.Context, logger *zap.Logger, runID string, n domain.Notification, reason string, metricReason string) recordOutcome {
	writeCtx, cancel := d.writebackContext(ctx)
	defer cancel()

	status, err := d.store.MarkFailed(writeCtx, n.ID, reason)
	if err != nil {
		d.logWritebackError(logger, "mark failed", err)
		d.metrics.IncNotificationFailed(n.Channel.String(), "writeback_error")
		return outcomeFailed
	}

	if status == domain.StatusPending {
		d.metrics.IncRetryScheduled(n.Channel.String())
	}
	d.metrics.IncNotificationFailed(n.Channel.String(), metricReason)
	d.publish(ctx, logger, queue.DeliveryEvent{
		NotificationID: n.ID,
		ClinicID:       n.ClinicID,
		Channel:        n.Channel,
		Status:         status,
		Attempts:       n.Attempts + 1,
		Error:          reason,
		RunID:          runID,
	})

	logger.Warn("notification delivery failed",
		zap.String("reason", reason),
		zap.String("status", status.String()),
		zap.Int("attempts", n.Attempts+1),
	)
	return outcomeFailed
}

func (d *Dispatcher) failPermanently(ctx context.Context, logger *zap.Logger, runID string, n domain.Notification, reason string, metricReason string) recordOutcome {
	writeCtx, cancel := d.writebackContext(ctx)
	defer cancel()

	if err := d.store.MarkFailedPermanent(writeCtx, n.ID, reason); err != nil {
		d.logWritebackError(logger, "mark failed permanently", err)
		d.metrics.IncNotificationFailed(n.Channel.String(), "writeback_error")
		return outcomeFailed
	}

	d.metrics.IncNotificationFailed(n.Channel.String(), metricReason)
	d.publish(ctx, logger, queue.DeliveryEvent{
		NotificationID: n.ID,
		ClinicID:       n.ClinicID,
		Channel:        n.Channel,
		Status:         domain.StatusFailed,
		Attempts:       n.Attempts + 1,
		Error:          reason,
		RunID:          runID,
	})

	logger.Warn("notification failed permanently",
		zap.String("reason", reason),
		zap.Int("attempts", n.Attempts+1),
	)
	return outcomeFailed
}

// release returns a record claimed by a canceled run to pending. No attempt is
// counted because the run gave up, not the provider.
func (d *Dispatcher) release(ctx context.Context, logger *zap.Logger, n domain.Notification) recordOutcome {
	writeCtx, cancel := d.writebackContext(ctx)
	defer cancel()

	d.metrics.IncNotificationSkipped("canceled")
	if err := d.store.Release(writeCtx, n.ID); err != nil {
		d.logWritebackError(logger, "release", err)
		return outcomeSkipped
	}

	logger.Info("dispatch canceled, notification released")
	return outcomeSkipped
}

// writebackContext outlives cancellation of the run so a claimed record is not
// stranded in sending when the trigger request goes away.
func (d *Dispatcher) writebackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writebackTimeout)
}

func (d *Dispatcher) logWritebackError(logger *zap.Logger, op string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		logger.Error("integrity anomaly: claimed notification is no longer sending",
			zap.String("op", op),
			zap.Error(err),
		)
		return
	}
	logger.Error("failed to write back delivery outcome",
		zap.String("op", op),
		zap.Error(err),
	)
}

func (d *Dispatcher) publish(ctx context.Context, logger *zap.Logger, event queue.DeliveryEvent) {
	if d.events == nil {
		return
	}

	event.OccurredAt = d.now().UTC()
	writeCtx, cancel := d.writebackContext(ctx)
	defer cancel()

	if err := d.events.PublishEvent(writeCtx, event); err != nil {
		logger.Warn("failed to publish delivery event", zap.Error(err))
	}
}

func (d *Dispatcher) recordAttempt(
	ctx context.Context,
	logger *zap.Logger,
	notificationID string,
	attemptNumber int,
	result provider.DeliveryResult,
	sendErr error,
) {
	if d.attempts == nil {
		return
	}

	attempt := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		AttemptNumber:  attemptNumber,
		CreatedAt:      d.now().UTC(),
	}

	statusCode := result.StatusCode
	switch {
	case sendErr != nil:
		attempt.Outcome = domain.AttemptError
		value := sendErr.Error()
		attempt.Error = &value

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 {
			statusCode = providerErr.StatusCode
		}
	case result.IsDelivered():
		attempt.Outcome = domain.AttemptDelivered
	default:
		attempt.Outcome = domain.AttemptRejected
		value := rejectionReason(result)
		attempt.Error = &value
	}

	if statusCode > 0 {
		attempt.StatusCode = &statusCode
	}
	if messageID := strings.TrimSpace(result.MessageID); messageID != "" {
		attempt.ProviderMessageID = &messageID
	}

	writeCtx, cancel := d.writebackContext(ctx)
	defer cancel()

	if err := d.attempts.Create(writeCtx, attempt); err != nil {
		logger.Warn("failed to record delivery attempt", zap.Error(err))
	}
}

func rejectionReason(result provider.DeliveryResult) string {
	if reason := strings.TrimSpace(result.Reason); reason != "" {
		return "rejected: " + reason
	}
	return "rejected by provider"
}
