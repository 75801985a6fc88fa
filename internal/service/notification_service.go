package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"github.com/kursadbilgin/clinic-dispatch/internal/observability"
	"github.com/kursadbilgin/clinic-dispatch/internal/queue"
	"github.com/kursadbilgin/clinic-dispatch/internal/repository"
	"go.uber.org/zap"
)

// NotificationService is the intake and read side of the store: it creates
// pending records and serves them back to the admin panel.
type NotificationService struct {
	store    repository.NotificationStore
	attempts repository.AttemptRepository
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewNotificationService(
	store repository.NotificationStore,
	attempts repository.AttemptRepository,
	logger *zap.Logger,
) (*NotificationService, error) {
	if store == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		store:    store,
		attempts: attempts,
		logger:   logger,
	}, nil
}

func (s *NotificationService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Create stores n as a new pending record. A caller supplied ID makes the call
// idempotent: a second Create with the same ID fails with domain.ErrConflict.
func (s *NotificationService) Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	if err := prepareNotificationForCreate(n); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, n); err != nil {
		return nil, err
	}

	s.logger.Info("notification accepted",
		zap.String("notificationId", n.ID),
		zap.String("clinicId", n.ClinicID),
		zap.String("channel", n.Channel.String()),
	)
	return n, nil
}

// HandleIntake adapts Create to the broker intake consumer.
func (s *NotificationService) HandleIntake(ctx context.Context, intent queue.NotificationIntent) error {
	_, err := s.Create(ctx, &domain.Notification{
		ID:           intent.ID,
		ClinicID:     intent.ClinicID,
		Channel:      intent.Channel,
		Recipient:    intent.Recipient,
		TemplateName: intent.TemplateName,
		Variables:    intent.Variables,
	})

	switch {
	case err == nil:
		s.metrics.IncIntakeMessage("accepted")
	case errors.Is(err, domain.ErrConflict):
		s.metrics.IncIntakeMessage("duplicate")
	case errors.Is(err, domain.ErrValidation):
		s.metrics.IncIntakeMessage("invalid")
	default:
		s.metrics.IncIntakeMessage("error")
	}
	return err
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	return s.store.GetByID(ctx, id)
}

func (s *NotificationService) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	params.ClinicID = strings.TrimSpace(params.ClinicID)
	return s.store.List(ctx, params)
}

// Attempts returns the delivery audit trail of one notification, oldest first.
func (s *NotificationService) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if s.attempts == nil {
		return []domain.DeliveryAttempt{}, nil
	}
	return s.attempts.GetByNotificationID(ctx, strings.TrimSpace(id))
}

func prepareNotificationForCreate(n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		n.ID = uuid.NewString()
	} else if _, err := uuid.Parse(n.ID); err != nil {
		return fmt.Errorf("%w: id must be a uuid", domain.ErrValidation)
	}

	n.ClinicID = strings.TrimSpace(n.ClinicID)
	n.TemplateName = strings.TrimSpace(n.TemplateName)
	n.Recipient = strings.TrimSpace(n.Recipient)
	switch n.Channel {
	case domain.ChannelWhatsApp, domain.ChannelSMS:
		n.Recipient = domain.NormalizePhone(n.Recipient)
	case domain.ChannelEmail:
		n.Recipient = strings.ToLower(n.Recipient)
	}
	if n.Variables == nil {
		n.Variables = map[string]string{}
	}

	n.Status = domain.StatusPending
	n.Attempts = 0
	n.LastError = nil

	return n.Validate()
}
