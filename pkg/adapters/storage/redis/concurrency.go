package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// incrementCursorScript advances the cursor unless it already reached the
// number of children. Returns -1 when the instance is missing.
var incrementCursorScript = redis.NewScript(`
local cursor = redis.call('HGET', KEYS[1], 'cursor')
if not cursor then
	return -1
end
cursor = tonumber(cursor)
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if cursor < count then
	cursor = redis.call('HINCRBY', KEYS[1], 'cursor', 1)
end
return cursor
`)

// SaveConcurrentChildInstance creates or replaces a fan-out cursor. The
// cursor lives in its own hash field so it can be advanced atomically.
func (s *Store) SaveConcurrentChildInstance(ctx context.Context, c *domain.ConcurrentChildInstance) error {
	data, err := marshal(c)
	if err != nil {
		return err
	}

	key := concurrentKey(c.ParentID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"cursor": c.Cursor,
			"count":  len(c.ChildrenNodeExecutionIDs),
			"data":   data,
		})
		s.expire(ctx, pipe, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save concurrent child instance: %w", err)
	}
	return nil
}

// GetConcurrentChildInstance loads the fan-out cursor of a parent
func (s *Store) GetConcurrentChildInstance(ctx context.Context, parentID string) (*domain.ConcurrentChildInstance, error) {
	values, err := s.client.HMGet(ctx, concurrentKey(parentID), "data", "cursor").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get concurrent child instance: %w", err)
	}
	data, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingConcurrencyState, parentID)
	}

	var c domain.ConcurrentChildInstance
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal concurrent child instance: %w", err)
	}
	if cursor, ok := values[1].(string); ok {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor for %s: %w", parentID, err)
		}
		c.Cursor = n
	}
	return &c, nil
}

// IncrementCursor advances the cursor by one, capped at the child count
func (s *Store) IncrementCursor(ctx context.Context, parentID string) (*domain.ConcurrentChildInstance, error) {
	cursor, err := incrementCursorScript.Run(ctx, s.client, []string{concurrentKey(parentID)}).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to increment cursor: %w", err)
	}
	if cursor < 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingConcurrencyState, parentID)
	}

	c, err := s.GetConcurrentChildInstance(ctx, parentID)
	if err != nil {
		return nil, err
	}
	c.Cursor = cursor
	c.UpdatedAt = s.now()
	return c, nil
}

// DeleteConcurrentChildInstance removes a fan-out cursor
func (s *Store) DeleteConcurrentChildInstance(ctx context.Context, parentID string) error {
	if err := s.client.Del(ctx, concurrentKey(parentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete concurrent child instance: %w", err)
	}
	return nil
}

func concurrentKey(parentID string) string {
	return fmt.Sprintf("%sconcurrent:%s", keyPrefix, parentID)
}
