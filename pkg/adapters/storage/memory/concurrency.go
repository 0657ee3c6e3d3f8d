package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aescanero/pipengine/pkg/domain"
)

// SaveConcurrentChildInstance creates or replaces a fan-out cursor
func (s *Store) SaveConcurrentChildInstance(ctx context.Context, c *domain.ConcurrentChildInstance) error {
	return s.put(s.concurrent, c.ParentID, c)
}

// GetConcurrentChildInstance loads the fan-out cursor of a parent
func (s *Store) GetConcurrentChildInstance(ctx context.Context, parentID string) (*domain.ConcurrentChildInstance, error) {
	var c domain.ConcurrentChildInstance
	if err := s.get(s.concurrent, parentID, &c); err != nil {
		if errors.Is(err, errMissing) {
			return nil, fmt.Errorf("%w: %s", domain.ErrMissingConcurrencyState, parentID)
		}
		return nil, err
	}
	return &c, nil
}

// IncrementCursor advances the cursor by one, capped at the child count
func (s *Store) IncrementCursor(ctx context.Context, parentID string) (*domain.ConcurrentChildInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.concurrent[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingConcurrencyState, parentID)
	}
	var c domain.ConcurrentChildInstance
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal concurrent child instance: %w", err)
	}
	if c.Cursor < len(c.ChildrenNodeExecutionIDs) {
		c.Cursor++
	}
	c.UpdatedAt = s.now()

	encoded, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal concurrent child instance: %w", err)
	}
	s.concurrent[parentID] = encoded
	return &c, nil
}

// DeleteConcurrentChildInstance removes a fan-out cursor
func (s *Store) DeleteConcurrentChildInstance(ctx context.Context, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.concurrent, parentID)
	return nil
}
