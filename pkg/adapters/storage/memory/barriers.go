package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
)

// SaveBarrier creates or replaces a barrier instance
func (s *Store) SaveBarrier(ctx context.Context, b *domain.BarrierExecutionInstance) error {
	return s.put(s.barriers, b.ID, b)
}

// GetBarrier loads a barrier instance
func (s *Store) GetBarrier(ctx context.Context, id string) (*domain.BarrierExecutionInstance, error) {
	var b domain.BarrierExecutionInstance
	if err := s.get(s.barriers, id, &b); err != nil {
		if errors.Is(err, errMissing) {
			return nil, fmt.Errorf("%w: %s", domain.ErrBarrierNotFound, id)
		}
		return nil, err
	}
	return &b, nil
}

// ListBarriers returns the barriers of a plan execution
func (s *Store) ListBarriers(ctx context.Context, planExecutionID string) ([]*domain.BarrierExecutionInstance, error) {
	return s.scanBarriers(func(b *domain.BarrierExecutionInstance) bool {
		return b.PlanExecutionID == planExecutionID
	})
}

// FindOverdueBarriers returns UP barriers whose deadline has passed
func (s *Store) FindOverdueBarriers(ctx context.Context, now time.Time) ([]*domain.BarrierExecutionInstance, error) {
	return s.scanBarriers(func(b *domain.BarrierExecutionInstance) bool {
		return b.Overdue(now)
	})
}

func (s *Store) scanBarriers(match func(*domain.BarrierExecutionInstance) bool) ([]*domain.BarrierExecutionInstance, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.barriers))
	for id := range s.barriers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*domain.BarrierExecutionInstance, 0)
	for _, id := range ids {
		var b domain.BarrierExecutionInstance
		if err := s.get(s.barriers, id, &b); err != nil {
			if errors.Is(err, errMissing) {
				continue
			}
			return nil, err
		}
		if match(&b) {
			out = append(out, &b)
		}
	}
	return out, nil
}
