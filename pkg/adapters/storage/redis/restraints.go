package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// SaveRestraint creates or replaces a resource restraint definition.
// Definitions never expire.
func (s *Store) SaveRestraint(ctx context.Context, r *domain.ResourceRestraint) error {
	data, err := marshal(r)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, restraintKey(r.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save restraint: %w", err)
	}
	return nil
}

// GetRestraint loads a resource restraint definition
func (s *Store) GetRestraint(ctx context.Context, id string) (*domain.ResourceRestraint, error) {
	var r domain.ResourceRestraint
	if err := s.getJSON(ctx, s.client, restraintKey(id), &r); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRestraintNotFound, id)
		}
		return nil, err
	}
	return &r, nil
}

// SaveRestraintInstance creates or replaces a restraint instance and keeps
// the unit, release entity and deadline indexes in step with its state
func (s *Store) SaveRestraintInstance(ctx context.Context, inst *domain.ResourceRestraintInstance) error {
	data, err := marshal(inst)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, instanceKey(inst.ID), data, s.ttl)
		if inst.Holds() {
			pipe.ZAdd(ctx, unitKey(inst.ResourceUnit), redis.Z{Score: float64(inst.Order), Member: inst.ID})
			pipe.SAdd(ctx, entityKey(inst.ReleaseEntityID), inst.ID)
		} else {
			pipe.ZRem(ctx, unitKey(inst.ResourceUnit), inst.ID)
			pipe.SRem(ctx, entityKey(inst.ReleaseEntityID), inst.ID)
		}
		if inst.State == domain.RestraintBlocked && inst.Deadline != nil {
			pipe.ZAdd(ctx, instanceDeadlinesKey(), redis.Z{Score: float64(inst.Deadline.UnixMilli()), Member: inst.ID})
		} else {
			pipe.ZRem(ctx, instanceDeadlinesKey(), inst.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save restraint instance: %w", err)
	}
	return nil
}

// GetRestraintInstance loads a restraint instance
func (s *Store) GetRestraintInstance(ctx context.Context, id string) (*domain.ResourceRestraintInstance, error) {
	var inst domain.ResourceRestraintInstance
	if err := s.getJSON(ctx, s.client, instanceKey(id), &inst); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRestraintInstanceNotFound, id)
		}
		return nil, err
	}
	return &inst, nil
}

// ListRestraintInstances returns holding instances of a unit in arrival order
func (s *Store) ListRestraintInstances(ctx context.Context, resourceUnit string) ([]*domain.ResourceRestraintInstance, error) {
	ids, err := s.client.ZRange(ctx, unitKey(resourceUnit), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list restraint instances: %w", err)
	}
	return s.loadInstances(ctx, ids, (*domain.ResourceRestraintInstance).Holds)
}

// FindRestraintInstancesByReleaseEntity returns the instances released by an entity
func (s *Store) FindRestraintInstancesByReleaseEntity(ctx context.Context, releaseEntityID string) ([]*domain.ResourceRestraintInstance, error) {
	ids, err := s.client.SMembers(ctx, entityKey(releaseEntityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list restraint instances: %w", err)
	}
	return s.loadInstances(ctx, ids, (*domain.ResourceRestraintInstance).Holds)
}

// FindOverdueRestraintInstances returns BLOCKED instances past their deadline
func (s *Store) FindOverdueRestraintInstances(ctx context.Context, now time.Time) ([]*domain.ResourceRestraintInstance, error) {
	ids, err := s.client.ZRangeByScore(ctx, instanceDeadlinesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan restraint deadlines: %w", err)
	}
	return s.loadInstances(ctx, ids, func(inst *domain.ResourceRestraintInstance) bool { return inst.Overdue(now) })
}

// NextRestraintOrder returns the next arrival number of a unit
func (s *Store) NextRestraintOrder(ctx context.Context, resourceUnit string) (int64, error) {
	order, err := s.client.Incr(ctx, orderKey(resourceUnit)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate restraint order: %w", err)
	}
	return order, nil
}

func (s *Store) loadInstances(ctx context.Context, ids []string, match func(*domain.ResourceRestraintInstance) bool) ([]*domain.ResourceRestraintInstance, error) {
	out := make([]*domain.ResourceRestraintInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetRestraintInstance(ctx, id)
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if match(inst) {
			out = append(out, inst)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func restraintKey(id string) string {
	return fmt.Sprintf("%srestraint:%s", keyPrefix, id)
}

func instanceKey(id string) string {
	return fmt.Sprintf("%srestraint:instance:%s", keyPrefix, id)
}

func unitKey(unit string) string {
	return fmt.Sprintf("%srestraint:unit:%s", keyPrefix, unit)
}

func entityKey(releaseEntityID string) string {
	return fmt.Sprintf("%srestraint:entity:%s", keyPrefix, releaseEntityID)
}

func orderKey(unit string) string {
	return fmt.Sprintf("%srestraint:order:%s", keyPrefix, unit)
}

func instanceDeadlinesKey() string {
	return keyPrefix + "restraint:deadlines"
}
