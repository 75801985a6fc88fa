package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var _ IntakeConsumer = (*RabbitMQConsumer)(nil)

type ackAction int

const (
	actionAck ackAction = iota
	actionReject
	actionRequeue
)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume reads the intake queue until ctx ends, reconnecting with backoff
// when the broker drops the channel.
func (c *RabbitMQConsumer) Consume(ctx context.Context, handler IntakeHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if handler == nil {
		return fmt.Errorf("intake handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("intake consumer interrupted, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, handler IntakeHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(IntakeQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", IntakeQueue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler IntakeHandler) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))

	switch c.process(ctx, d.Body, handler) {
	case actionReject:
		if err := d.Reject(false); err != nil {
			return fmt.Errorf("failed to reject delivery: %w", err)
		}
	case actionRequeue:
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("handler failed and nack failed: %w", err)
		}
	default:
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack delivery: %w", err)
		}
	}
	return nil
}

// process decodes one payload and runs handler. Malformed or invalid intents
// are dead-lettered, duplicates acked, other handler errors requeued.
func (c *RabbitMQConsumer) process(ctx context.Context, body []byte, handler IntakeHandler) ackAction {
	var intent NotificationIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		c.logger.Warn("rejecting intake message: invalid JSON", zap.Error(err))
		return actionReject
	}

	if err := intent.Validate(); err != nil {
		c.logger.Warn("rejecting intake message: validation failed",
			zap.Error(err),
			zap.String("clinicId", intent.ClinicID),
		)
		return actionReject
	}

	err := handler(ctx, intent)
	switch {
	case err == nil:
		return actionAck
	case errors.Is(err, domain.ErrValidation):
		c.logger.Warn("rejecting intake message: notification invalid",
			zap.Error(err),
			zap.String("clinicId", intent.ClinicID),
		)
		return actionReject
	case errors.Is(err, domain.ErrConflict):
		c.logger.Info("intake message already accepted",
			zap.String("notificationId", intent.ID),
		)
		return actionAck
	default:
		c.logger.Error("intake handler failed, requeueing",
			zap.Error(err),
			zap.String("clinicId", intent.ClinicID),
		)
		return actionRequeue
	}
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
