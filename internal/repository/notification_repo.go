package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultFetchLimit = 50
	defaultPageSize   = 50
	maxPageSize       = 100
)

type ListParams struct {
	ClinicID string
	Status   *domain.Status
	Channel  *domain.Channel
	Page     int
	PageSize int
}

// NotificationStore owns persistence and every status transition of a
// notification. Implementations must make every transition (Claim, MarkSent,
// MarkFailed, MarkFailedPermanent, Release) a single conditional update.
type NotificationStore interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	FetchPending(ctx context.Context, limit int, clinicID string) ([]domain.Notification, error)
	Claim(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) (domain.Status, error)
	MarkFailedPermanent(ctx context.Context, id string, reason string) error
	Release(ctx context.Context, id string) error
	RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}

type GormNotificationStore struct {
	db     *gorm.DB
	policy domain.RetryPolicy
	now    func() time.Time
}

func NewGormNotificationStore(db *gorm.DB, policy domain.RetryPolicy) *GormNotificationStore {
	return &GormNotificationStore{
		db:     db,
		policy: domain.NewRetryPolicy(policy.MaxAttempts),
		now:    time.Now,
	}
}

func (r *GormNotificationStore) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if model == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: notification %s already exists", domain.ErrConflict, n.ID)
		}
		return err
	}
	*n = *notificationModelToDomain(model)
	return nil
}

func (r *GormNotificationStore) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationStore) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.ClinicID != "" {
		query = query.Where("clinic_id = ?", params.ClinicID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return modelsToDomain(models), total, nil
}

func (r *GormNotificationStore) FetchPending(ctx context.Context, limit int, clinicID string) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	query := r.db.WithContext(ctx).Where("status = ?", domain.StatusPending)
	if clinicID != "" {
		query = query.Where("clinic_id = ?", clinicID)
	}

	var models []NotificationModel
	err := query.
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return modelsToDomain(models), nil
}

func (r *GormNotificationStore) Claim(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status":     domain.StatusSending,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormNotificationStore) MarkSent(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusSending).
		Updates(map[string]any{
			"status":     domain.StatusSent,
			"last_error": nil,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: notification %s is not sending", domain.ErrNotFound, id)
	}
	return nil
}

func (r *GormNotificationStore) MarkFailed(ctx context.Context, id string, reason string) (domain.Status, error) {
	var model NotificationModel
	result := r.db.WithContext(ctx).
		Model(&model).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "status"}, {Name: "attempts"}}}).
		Where("id = ? AND status = ?", id, domain.StatusSending).
		Updates(map[string]any{
			"attempts": gorm.Expr("attempts + 1"),
			"status": gorm.Expr(
				"CASE WHEN attempts + 1 < ? THEN ? ELSE ? END",
				r.policy.MaxAttempts, domain.StatusPending, domain.StatusFailed,
			),
			"last_error": reason,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", fmt.Errorf("%w: notification %s is not sending", domain.ErrNotFound, id)
	}
	return model.Status, nil
}

// MarkFailedPermanent fails a sending record without consulting the retry
// policy. Used for failures another attempt cannot fix.
func (r *GormNotificationStore) MarkFailedPermanent(ctx context.Context, id string, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusSending).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"status":     domain.StatusFailed,
			"last_error": reason,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: notification %s is not sending", domain.ErrNotFound, id)
	}
	return nil
}

// Release hands a claimed record back to pending without counting an attempt.
func (r *GormNotificationStore) Release(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusSending).
		Updates(map[string]any{
			"status":     domain.StatusPending,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: notification %s is not sending", domain.ErrNotFound, id)
	}
	return nil
}

func (r *GormNotificationStore) RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	stale := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("id").
		Where("status = ? AND updated_at < ?", domain.StatusSending, olderThan.UTC()).
		Order("updated_at ASC").
		Limit(limit)

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id IN (?) AND status = ?", stale, domain.StatusSending).
		Updates(map[string]any{
			"status":     domain.StatusPending,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func normalizePage(page int, pageSize int) (int, int) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return page, min(pageSize, maxPageSize)
}

func modelsToDomain(models []NotificationModel) []domain.Notification {
	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications
}
