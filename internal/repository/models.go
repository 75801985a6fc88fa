package repository

import (
	"time"

	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"gorm.io/datatypes"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID           string                                `gorm:"type:uuid;primaryKey"`
	ClinicID     string                                `gorm:"type:varchar(64);not null"`
	Channel      domain.Channel                        `gorm:"type:varchar(16);not null"`
	Recipient    string                                `gorm:"type:varchar(255);not null"`
	TemplateName string                                `gorm:"type:varchar(128);not null"`
	Variables    datatypes.JSONType[map[string]string] `gorm:"not null"`
	Status       domain.Status                         `gorm:"type:varchar(16);not null"`
	Attempts     int                                   `gorm:"not null;default:0"`
	LastError    *string                               `gorm:"type:text"`
	CreatedAt    time.Time                             `gorm:"not null"`
	UpdatedAt    time.Time                             `gorm:"not null"`
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID                string                `gorm:"type:uuid;primaryKey"`
	NotificationID    string                `gorm:"type:uuid;not null"`
	AttemptNumber     int                   `gorm:"not null"`
	Outcome           domain.AttemptOutcome `gorm:"type:varchar(16);not null"`
	StatusCode        *int                  `gorm:"type:int"`
	ProviderMessageID *string               `gorm:"type:varchar(255)"`
	Error             *string               `gorm:"type:text"`
	CreatedAt         time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:           n.ID,
		ClinicID:     n.ClinicID,
		Channel:      n.Channel,
		Recipient:    n.Recipient,
		TemplateName: n.TemplateName,
		Variables:    datatypes.NewJSONType(copyVariables(n.Variables)),
		Status:       n.Status,
		Attempts:     n.Attempts,
		LastError:    n.LastError,
		CreatedAt:    n.CreatedAt,
		UpdatedAt:    n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:           m.ID,
		ClinicID:     m.ClinicID,
		Channel:      m.Channel,
		Recipient:    m.Recipient,
		TemplateName: m.TemplateName,
		Variables:    copyVariables(m.Variables.Data()),
		Status:       m.Status,
		Attempts:     m.Attempts,
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:                a.ID,
		NotificationID:    a.NotificationID,
		AttemptNumber:     a.AttemptNumber,
		Outcome:           a.Outcome,
		StatusCode:        a.StatusCode,
		ProviderMessageID: a.ProviderMessageID,
		Error:             a.Error,
		CreatedAt:         a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:                m.ID,
		NotificationID:    m.NotificationID,
		AttemptNumber:     m.AttemptNumber,
		Outcome:           m.Outcome,
		StatusCode:        m.StatusCode,
		ProviderMessageID: m.ProviderMessageID,
		Error:             m.Error,
		CreatedAt:         m.CreatedAt,
	}
}

func copyVariables(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
