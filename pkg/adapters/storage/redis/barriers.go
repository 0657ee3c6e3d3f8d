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

// SaveBarrier creates or replaces a barrier instance. UP barriers with a
// deadline are indexed for expiry scans.
func (s *Store) SaveBarrier(ctx context.Context, b *domain.BarrierExecutionInstance) error {
	data, err := marshal(b)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, barrierKey(b.ID), data, s.ttl)
		pipe.SAdd(ctx, planBarriersKey(b.PlanExecutionID), b.ID)
		s.expire(ctx, pipe, planBarriersKey(b.PlanExecutionID))
		if b.State == domain.BarrierUp && b.Deadline != nil {
			pipe.ZAdd(ctx, barrierDeadlinesKey(), redis.Z{Score: float64(b.Deadline.UnixMilli()), Member: b.ID})
		} else {
			pipe.ZRem(ctx, barrierDeadlinesKey(), b.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save barrier: %w", err)
	}
	return nil
}

// GetBarrier loads a barrier instance
func (s *Store) GetBarrier(ctx context.Context, id string) (*domain.BarrierExecutionInstance, error) {
	var b domain.BarrierExecutionInstance
	if err := s.getJSON(ctx, s.client, barrierKey(id), &b); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrBarrierNotFound, id)
		}
		return nil, err
	}
	return &b, nil
}

// ListBarriers returns the barriers of a plan execution
func (s *Store) ListBarriers(ctx context.Context, planExecutionID string) ([]*domain.BarrierExecutionInstance, error) {
	ids, err := s.client.SMembers(ctx, planBarriersKey(planExecutionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list barriers: %w", err)
	}
	sort.Strings(ids)
	return s.loadBarriers(ctx, ids, func(*domain.BarrierExecutionInstance) bool { return true })
}

// FindOverdueBarriers returns UP barriers whose deadline has passed
func (s *Store) FindOverdueBarriers(ctx context.Context, now time.Time) ([]*domain.BarrierExecutionInstance, error) {
	ids, err := s.client.ZRangeByScore(ctx, barrierDeadlinesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan barrier deadlines: %w", err)
	}
	return s.loadBarriers(ctx, ids, func(b *domain.BarrierExecutionInstance) bool { return b.Overdue(now) })
}

func (s *Store) loadBarriers(ctx context.Context, ids []string, match func(*domain.BarrierExecutionInstance) bool) ([]*domain.BarrierExecutionInstance, error) {
	out := make([]*domain.BarrierExecutionInstance, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBarrier(ctx, id)
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if match(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

func barrierKey(id string) string {
	return fmt.Sprintf("%sbarrier:%s", keyPrefix, id)
}

func planBarriersKey(planExecutionID string) string {
	return fmt.Sprintf("%sbarrier:plan:%s", keyPrefix, planExecutionID)
}

func barrierDeadlinesKey() string {
	return keyPrefix + "barrier:deadlines"
}
