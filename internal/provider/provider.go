package provider

import (
	"context"
)

// Provider is the outbound delivery port for one channel.
type Provider interface {
	Send(ctx context.Context, recipient string, templateName string, variables map[string]string) (DeliveryResult, error)
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRejected  Outcome = "rejected"
)

// DeliveryResult is what a provider reports for a call that reached it.
// Transport failures are returned as errors instead.
type DeliveryResult struct {
	Outcome    Outcome
	Reason     string
	StatusCode int
	MessageID  string
}

func (r DeliveryResult) IsDelivered() bool {
	return r.Outcome == OutcomeDelivered
}

func Delivered(statusCode int, messageID string) DeliveryResult {
	return DeliveryResult{
		Outcome:    OutcomeDelivered,
		StatusCode: statusCode,
		MessageID:  messageID,
	}
}

func Rejected(statusCode int, reason string) DeliveryResult {
	return DeliveryResult{
		Outcome:    OutcomeRejected,
		StatusCode: statusCode,
		Reason:     reason,
	}
}
