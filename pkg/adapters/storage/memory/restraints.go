package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
)

// SaveRestraint creates or replaces a resource restraint definition
func (s *Store) SaveRestraint(ctx context.Context, r *domain.ResourceRestraint) error {
	return s.put(s.restraints, r.ID, r)
}

// GetRestraint loads a resource restraint definition
func (s *Store) GetRestraint(ctx context.Context, id string) (*domain.ResourceRestraint, error) {
	var r domain.ResourceRestraint
	if err := s.get(s.restraints, id, &r); err != nil {
		if errors.Is(err, errMissing) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRestraintNotFound, id)
		}
		return nil, err
	}
	return &r, nil
}

// SaveRestraintInstance creates or replaces a restraint instance
func (s *Store) SaveRestraintInstance(ctx context.Context, inst *domain.ResourceRestraintInstance) error {
	return s.put(s.instances, inst.ID, inst)
}

// GetRestraintInstance loads a restraint instance
func (s *Store) GetRestraintInstance(ctx context.Context, id string) (*domain.ResourceRestraintInstance, error) {
	var inst domain.ResourceRestraintInstance
	if err := s.get(s.instances, id, &inst); err != nil {
		if errors.Is(err, errMissing) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRestraintInstanceNotFound, id)
		}
		return nil, err
	}
	return &inst, nil
}

// ListRestraintInstances returns holding instances of a unit in arrival order
func (s *Store) ListRestraintInstances(ctx context.Context, resourceUnit string) ([]*domain.ResourceRestraintInstance, error) {
	return s.scanInstances(func(inst *domain.ResourceRestraintInstance) bool {
		return inst.ResourceUnit == resourceUnit && inst.Holds()
	})
}

// FindRestraintInstancesByReleaseEntity returns the instances released by an entity
func (s *Store) FindRestraintInstancesByReleaseEntity(ctx context.Context, releaseEntityID string) ([]*domain.ResourceRestraintInstance, error) {
	return s.scanInstances(func(inst *domain.ResourceRestraintInstance) bool {
		return inst.ReleaseEntityID == releaseEntityID && inst.Holds()
	})
}

// FindOverdueRestraintInstances returns BLOCKED instances past their deadline
func (s *Store) FindOverdueRestraintInstances(ctx context.Context, now time.Time) ([]*domain.ResourceRestraintInstance, error) {
	return s.scanInstances(func(inst *domain.ResourceRestraintInstance) bool {
		return inst.Overdue(now)
	})
}

// NextRestraintOrder returns the next arrival number of a unit
func (s *Store) NextRestraintOrder(ctx context.Context, resourceUnit string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[resourceUnit]++
	return s.orders[resourceUnit], nil
}

func (s *Store) scanInstances(match func(*domain.ResourceRestraintInstance) bool) ([]*domain.ResourceRestraintInstance, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]*domain.ResourceRestraintInstance, 0)
	for _, id := range ids {
		var inst domain.ResourceRestraintInstance
		if err := s.get(s.instances, id, &inst); err != nil {
			if errors.Is(err, errMissing) {
				continue
			}
			return nil, err
		}
		if match(&inst) {
			out = append(out, &inst)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}
