package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
)

var _ NotificationStore = (*MemoryNotificationStore)(nil)

// MemoryNotificationStore keeps notifications in process memory. It serves
// single-instance deployments (STORE_DRIVER=memory) and tests; state is lost on
// restart.
type MemoryNotificationStore struct {
	mu      sync.Mutex
	records map[string]*domain.Notification
	policy  domain.RetryPolicy
	now     func() time.Time
}

func NewMemoryNotificationStore(policy domain.RetryPolicy) *MemoryNotificationStore {
	return &MemoryNotificationStore{
		records: make(map[string]*domain.Notification),
		policy:  domain.NewRetryPolicy(policy.MaxAttempts),
		now:     time.Now,
	}
}

func (s *MemoryNotificationStore) Create(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[n.ID]; exists {
		return fmt.Errorf("%w: notification %s already exists", domain.ErrConflict, n.ID)
	}

	now := s.now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}

	s.records[n.ID] = cloneNotification(n)
	return nil
}

func (s *MemoryNotificationStore) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneNotification(record), nil
}

func (s *MemoryNotificationStore) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	s.mu.Lock()
	matched := make([]domain.Notification, 0, len(s.records))
	for _, record := range s.records {
		if params.ClinicID != "" && record.ClinicID != params.ClinicID {
			continue
		}
		if params.Status != nil && record.Status != *params.Status {
			continue
		}
		if params.Channel != nil && record.Channel != *params.Channel {
			continue
		}
		matched = append(matched, *cloneNotification(record))
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	page, pageSize := normalizePage(params.Page, params.PageSize)
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return []domain.Notification{}, total, nil
	}
	end := min(start+pageSize, len(matched))

	return matched[start:end], total, nil
}

func (s *MemoryNotificationStore) FetchPending(ctx context.Context, limit int, clinicID string) ([]domain.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	s.mu.Lock()
	pending := make([]domain.Notification, 0)
	for _, record := range s.records {
		if record.Status != domain.StatusPending {
			continue
		}
		if clinicID != "" && record.ClinicID != clinicID {
			continue
		}
		pending = append(pending, *cloneNotification(record))
	}
	s.mu.Unlock()

	sortOldestFirst(pending)
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryNotificationStore) Claim(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || record.Status != domain.StatusPending {
		return false, nil
	}

	record.Status = domain.StatusSending
	record.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *MemoryNotificationStore) MarkSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || record.Status != domain.StatusSending {
		return fmt.Errorf("%w: notification %s is not sending", domain.ErrNotFound, id)
	}

	record.Status = domain.StatusSent
	record.LastError = nil
	record.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryNotificationStore) MarkFailed(ctx context.Context, id string, reason string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || record.Status != domain.StatusSending {
		return "", fmt.Errorf("%w: notification %s is not sending", domain.ErrNotFound, id)
	}

	record.Attempts++
	record.Status = s.policy.StatusAfterFailure(record.Attempts)
	lastError := reason
	record.LastError = &lastError
	record.UpdatedAt = s.now().UTC()
	return record.Status, nil
}

func (s *MemoryNotificationStore) MarkFailedPermanent(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || record.Status != domain.StatusSending {
		return fmt.Errorf("%w: notification %s is not sending", domain.ErrNotFound, id)
	}

	record.Attempts++
	record.Status = domain.StatusFailed
	lastError := reason
	record.LastError = &lastError
	record.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryNotificationStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || record.Status != domain.StatusSending {
		return fmt.Errorf("%w: notification %s is not sending", domain.ErrNotFound, id)
	}

	record.Status = domain.StatusPending
	record.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryNotificationStore) RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stale := make([]*domain.Notification, 0)
	for _, record := range s.records {
		if record.Status == domain.StatusSending && record.UpdatedAt.Before(olderThan) {
			stale = append(stale, record)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}

	now := s.now().UTC()
	for _, record := range stale {
		record.Status = domain.StatusPending
		record.UpdatedAt = now
	}
	return int64(len(stale)), nil
}

func sortOldestFirst(notifications []domain.Notification) {
	sort.Slice(notifications, func(i, j int) bool {
		if notifications[i].CreatedAt.Equal(notifications[j].CreatedAt) {
			return notifications[i].ID < notifications[j].ID
		}
		return notifications[i].CreatedAt.Before(notifications[j].CreatedAt)
	})
}

func cloneNotification(n *domain.Notification) *domain.Notification {
	clone := *n
	if n.Variables != nil {
		clone.Variables = copyVariables(n.Variables)
	}
	if n.LastError != nil {
		lastError := *n.LastError
		clone.LastError = &lastError
	}
	return &clone
}
