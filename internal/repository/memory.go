package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// MemoryStore keeps requests and audit records in process memory. It
// implements both RequestRepository and AttemptRepository with the same
// claim semantics as the postgres store, and is meant for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]domain.NotificationRequest
	attempts []domain.DeliveryAttemptRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]domain.NotificationRequest)}
}

var (
	_ RequestRepository = (*MemoryStore)(nil)
	_ AttemptRepository = (*MemoryStore)(nil)
)

func (s *MemoryStore) Create(ctx context.Context, n *domain.NotificationRequest) error {
	if n == nil {
		return fmt.Errorf("%w: request is nil", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[n.ID]; exists {
		return fmt.Errorf("%w: request %s already exists", domain.ErrConflict, n.ID)
	}

	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	s.requests[n.ID] = *n
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.NotificationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, exists := s.requests[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return &n, nil
}

func (s *MemoryStore) ClaimBatch(ctx context.Context, params ClaimParams) ([]domain.NotificationRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := params.Now
	eligible := make([]domain.NotificationRequest, 0)
	for id, n := range s.requests {
		if n.Status == domain.StatusProcessing && n.LeaseExpiresAt != nil && !n.LeaseExpiresAt.After(now) {
			n.Status = domain.StatusPending
			if n.AttemptCount >= n.MaxAttempts {
				n.Status = domain.StatusDead
			}
			reason := leaseExpiredReason
			n.LastError = &reason
			n.NextAttemptAt = now
			n.LeaseExpiresAt = nil
			n.ClaimToken = nil
			n.UpdatedAt = now
			s.requests[id] = n
		}
		if n.Status == domain.StatusPending && !n.NextAttemptAt.After(now) {
			eligible = append(eligible, n)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if len(eligible) > params.Limit {
		eligible = eligible[:params.Limit]
	}

	token := uuid.NewString()
	leaseUntil := now.Add(params.Lease)
	for i := range eligible {
		n := &eligible[i]
		n.Status = domain.StatusProcessing
		n.AttemptCount++
		n.ClaimToken = &token
		n.LeaseExpiresAt = &leaseUntil
		n.UpdatedAt = now
		s.requests[n.ID] = *n
	}

	return eligible, nil
}

func (s *MemoryStore) Complete(ctx context.Context, c Completion) error {
	if err := c.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, exists := s.requests[c.ID]
	if !exists || n.Status != domain.StatusProcessing || n.ClaimToken == nil || *n.ClaimToken != c.ClaimToken {
		return domain.ErrLeaseLost
	}

	n.Status = c.Status
	n.LeaseExpiresAt = nil
	n.ClaimToken = nil
	n.LastError = c.LastError
	n.UpdatedAt = c.At
	if c.Status == domain.StatusPending {
		n.NextAttemptAt = c.NextAttemptAt
	}
	if c.ProviderMessageID != nil {
		id := *c.ProviderMessageID
		n.ProviderMessageID = &id
	}
	s.requests[c.ID] = n
	return nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, window StatsWindow) (domain.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts domain.StatusCounts
	for _, n := range s.requests {
		if windowContains(window, n.CreatedAt) {
			addCount(&counts, n.Status, n.AttemptCount > 0, 1)
		}
	}
	return counts, nil
}

func (s *MemoryStore) Append(ctx context.Context, a *domain.DeliveryAttemptRecord) error {
	if a == nil {
		return fmt.Errorf("%w: attempt record is nil", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *MemoryStore) ListByRequestID(ctx context.Context, requestID string) ([]domain.DeliveryAttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempts := make([]domain.DeliveryAttemptRecord, 0)
	for _, a := range s.attempts {
		if a.RequestID == requestID {
			attempts = append(attempts, a)
		}
	}
	sort.SliceStable(attempts, func(i, j int) bool {
		return attempts[i].AttemptNumber < attempts[j].AttemptNumber
	})
	return attempts, nil
}

func (s *MemoryStore) Summarize(ctx context.Context, window StatsWindow) ([]domain.ChannelDeliverySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byChannel := make(map[domain.Channel]*domain.ChannelDeliverySummary)
	for _, a := range s.attempts {
		if !windowContains(window, a.CreatedAt) {
			continue
		}
		summary, ok := byChannel[a.Channel]
		if !ok {
			summary = &domain.ChannelDeliverySummary{Channel: a.Channel}
			byChannel[a.Channel] = summary
		}
		summary.Attempts++
		if a.Outcome == domain.OutcomeSuccess {
			summary.Successes++
		} else {
			summary.Failures++
		}
		if a.Cost != nil {
			summary.TotalCost += *a.Cost
		}
	}

	summaries := make([]domain.ChannelDeliverySummary, 0, len(byChannel))
	for _, summary := range byChannel {
		summaries = append(summaries, *summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Channel < summaries[j].Channel
	})
	return summaries, nil
}
