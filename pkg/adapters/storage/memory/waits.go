package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/aescanero/pipengine/pkg/domain"
)

// SaveWaitInstance stores a wait instance
func (s *Store) SaveWaitInstance(ctx context.Context, w *domain.WaitInstance) error {
	return s.put(s.waits, w.ID, w)
}

// FindWaitInstances returns the wait instances listening on a correlation id
func (s *Store) FindWaitInstances(ctx context.Context, correlationID string) ([]*domain.WaitInstance, error) {
	return s.scanWaits(func(w *domain.WaitInstance) bool {
		for _, id := range w.CorrelationIDs {
			if id == correlationID {
				return true
			}
		}
		return false
	})
}

// FindWaitInstancesByOwner returns the wait instances registered by an owner
func (s *Store) FindWaitInstancesByOwner(ctx context.Context, ownerID string) ([]*domain.WaitInstance, error) {
	return s.scanWaits(func(w *domain.WaitInstance) bool { return w.OwnerID == ownerID })
}

// ClaimWaitInstance removes a wait instance, reporting whether it existed
func (s *Store) ClaimWaitInstance(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.waits[id]; !ok {
		return false, nil
	}
	delete(s.waits, id)
	return true, nil
}

// SaveResponse stores a notification response
func (s *Store) SaveResponse(ctx context.Context, resp domain.ResponseData) error {
	return s.put(s.responses, resp.CorrelationID, resp)
}

// GetResponses returns the stored responses among correlationIDs
func (s *Store) GetResponses(ctx context.Context, correlationIDs []string) (map[string]domain.ResponseData, error) {
	out := make(map[string]domain.ResponseData, len(correlationIDs))
	for _, id := range correlationIDs {
		var resp domain.ResponseData
		if err := s.get(s.responses, id, &resp); err != nil {
			if errors.Is(err, errMissing) {
				continue
			}
			return nil, err
		}
		out[id] = resp
	}
	return out, nil
}

func (s *Store) scanWaits(match func(*domain.WaitInstance) bool) ([]*domain.WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.WaitInstance, 0)
	for _, data := range s.waits {
		var w domain.WaitInstance
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("failed to unmarshal wait instance: %w", err)
		}
		if match(&w) {
			out = append(out, &w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
