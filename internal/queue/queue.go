package queue

import (
	"context"
)

const (
	// IntakeQueue carries NotificationIntent payloads from the clinic panel.
	IntakeQueue = "notifications.intake"
	// IntakeDLQ receives intake messages that can never be accepted.
	IntakeDLQ = "notifications.intake.dlq"
	// EventsQueue receives a DeliveryEvent for every processed record.
	EventsQueue = "notifications.events"
)

// EventPublisher publishes delivery outcome events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event DeliveryEvent) error
}

// IntakeHandler handles a consumed intake message. Returning an error wrapping
// domain.ErrValidation dead-letters the message, domain.ErrConflict acks it,
// anything else requeues it.
type IntakeHandler func(ctx context.Context, intent NotificationIntent) error

// IntakeConsumer consumes notification intents until ctx ends.
type IntakeConsumer interface {
	Consume(ctx context.Context, handler IntakeHandler) error
	Close() error
}
