package domain

import "time"

// AttemptOutcome is the result of one provider call.
type AttemptOutcome string

const (
	AttemptDelivered AttemptOutcome = "delivered"
	AttemptRejected  AttemptOutcome = "rejected"
	AttemptError     AttemptOutcome = "error"
)

func (o AttemptOutcome) String() string { return string(o) }

// DeliveryAttempt records a single provider call for a notification.
type DeliveryAttempt struct {
	ID                string
	NotificationID    string
	AttemptNumber     int
	Outcome           AttemptOutcome
	StatusCode        *int
	ProviderMessageID *string
	Error             *string
	CreatedAt         time.Time
}
