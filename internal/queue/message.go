package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
)

// NotificationIntent is the intake payload. ID is optional; when set it makes
// redelivery of the same intent idempotent.
type NotificationIntent struct {
	ID           string            `json:"id,omitempty"`
	ClinicID     string            `json:"clinicId"`
	Channel      domain.Channel    `json:"channel"`
	Recipient    string            `json:"recipient"`
	TemplateName string            `json:"templateName"`
	Variables    map[string]string `json:"variables,omitempty"`
}

func (m NotificationIntent) Validate() error {
	if strings.TrimSpace(m.ClinicID) == "" {
		return fmt.Errorf("clinicId is required")
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", m.Channel)
	}
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("recipient is required")
	}
	if strings.TrimSpace(m.TemplateName) == "" {
		return fmt.Errorf("templateName is required")
	}
	return nil
}

// DeliveryEvent reports what one dispatch run did with one record.
type DeliveryEvent struct {
	NotificationID string         `json:"notificationId"`
	ClinicID       string         `json:"clinicId"`
	Channel        domain.Channel `json:"channel"`
	Status         domain.Status  `json:"status"`
	Attempts       int            `json:"attempts"`
	MessageID      string         `json:"messageId,omitempty"`
	Error          string         `json:"error,omitempty"`
	RunID          string         `json:"runId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
}

func (e DeliveryEvent) Validate() error {
	if strings.TrimSpace(e.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	return nil
}
