package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "pipengine:"
	maxTxAttempts = 16
)

// Store implements ports.Store using Redis
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates a new Redis store. A zero ttl keeps records forever.
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// SaveNodeExecution creates or replaces a node execution
func (s *Store) SaveNodeExecution(ctx context.Context, n *domain.NodeExecution) error {
	fields, err := n.EncodeFields()
	if err != nil {
		return err
	}

	key := nodeKey(n.ID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hashArgs(fields))
		s.expire(ctx, pipe, key)
		if n.ParentID != "" {
			pipe.SAdd(ctx, childrenKey(n.ParentID), n.ID)
			s.expire(ctx, pipe, childrenKey(n.ParentID))
		}
		pipe.SAdd(ctx, planNodesKey(n.PlanExecutionID), n.ID)
		s.expire(ctx, pipe, planNodesKey(n.PlanExecutionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save node execution: %w", err)
	}

	s.logger.Debug("node execution saved",
		zap.String("node_execution_id", n.ID),
		zap.String("status", string(n.Status)))

	return nil
}

// GetNodeExecution loads a node execution. A projection reads only the
// named hash fields.
func (s *Store) GetNodeExecution(ctx context.Context, id string, projection ...string) (*domain.NodeExecution, error) {
	fields, err := s.readNode(ctx, s.client, id, projection)
	if err != nil {
		return nil, err
	}
	return domain.DecodeNodeExecutionFields(fields)
}

func (s *Store) readNode(ctx context.Context, c redis.Cmdable, id string, projection []string) (map[string]string, error) {
	key := nodeKey(id)

	if len(projection) == 0 {
		fields, err := c.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get node execution: %w", err)
		}
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: %s", domain.ErrNodeExecutionNotFound, id)
		}
		return fields, nil
	}

	names := append([]string{domain.FieldID}, projection...)
	values, err := c.HMGet(ctx, key, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get node execution: %w", err)
	}
	if values[0] == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNodeExecutionNotFound, id)
	}
	fields := make(map[string]string, len(names))
	for i, name := range names {
		if v, ok := values[i].(string); ok {
			fields[name] = v
		}
	}
	return fields, nil
}

// UpdateNodeStatus performs a conditional status write under WATCH
func (s *Store) UpdateNodeStatus(ctx context.Context, id string, from, to domain.Status, mutate func(*domain.NodeExecution)) (*domain.NodeExecution, error) {
	return s.updateNode(ctx, id, func(n *domain.NodeExecution) error {
		if n.Status != from {
			return fmt.Errorf("%w: node %s is %s, expected %s", domain.ErrStatusConflict, id, n.Status, from)
		}
		n.Status = to
		if mutate != nil {
			mutate(n)
		}
		return nil
	})
}

// UpdateNodeExecution applies mutate under WATCH
func (s *Store) UpdateNodeExecution(ctx context.Context, id string, mutate func(*domain.NodeExecution) error) (*domain.NodeExecution, error) {
	return s.updateNode(ctx, id, mutate)
}

func (s *Store) updateNode(ctx context.Context, id string, mutate func(*domain.NodeExecution) error) (*domain.NodeExecution, error) {
	key := nodeKey(id)
	var updated *domain.NodeExecution

	err := s.watch(ctx, func(tx *redis.Tx) error {
		fields, err := s.readNode(ctx, tx, id, nil)
		if err != nil {
			return err
		}
		n, err := domain.DecodeNodeExecutionFields(fields)
		if err != nil {
			return err
		}
		if err := mutate(n); err != nil {
			return err
		}
		n.Version++
		n.UpdatedAt = s.now()

		encoded, err := n.EncodeFields()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, hashArgs(encoded))
			s.expire(ctx, pipe, key)
			return nil
		})
		if err != nil {
			return err
		}
		updated = n
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FindChildren returns the direct children of a node execution
func (s *Store) FindChildren(ctx context.Context, parentID string) ([]*domain.NodeExecution, error) {
	return s.nodesIn(ctx, childrenKey(parentID))
}

// FindByPlanExecution returns all node executions of a plan execution
func (s *Store) FindByPlanExecution(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	return s.nodesIn(ctx, planNodesKey(planExecutionID))
}

func (s *Store) nodesIn(ctx context.Context, setKey string) ([]*domain.NodeExecution, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, nodeKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load node executions: %w", err)
	}

	out := make([]*domain.NodeExecution, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		n, err := domain.DecodeNodeExecutionFields(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sortNodes(out)
	return out, nil
}

// SavePlanExecution creates or replaces a plan execution
func (s *Store) SavePlanExecution(ctx context.Context, p *domain.PlanExecution) error {
	return s.setJSON(ctx, s.client, planKey(p.ID), p)
}

// GetPlanExecution loads a plan execution
func (s *Store) GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error) {
	var p domain.PlanExecution
	if err := s.getJSON(ctx, s.client, planKey(id), &p); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPlanExecutionNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}

// UpdatePlanStatus performs a conditional plan status write under WATCH
func (s *Store) UpdatePlanStatus(ctx context.Context, id string, from, to domain.Status) (*domain.PlanExecution, error) {
	key := planKey(id)
	var updated *domain.PlanExecution

	err := s.watch(ctx, func(tx *redis.Tx) error {
		var p domain.PlanExecution
		if err := s.getJSON(ctx, tx, key, &p); err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", domain.ErrPlanExecutionNotFound, id)
			}
			return err
		}
		if p.Status != from {
			return fmt.Errorf("%w: plan %s is %s, expected %s", domain.ErrStatusConflict, id, p.Status, from)
		}
		now := s.now()
		p.Status = to
		p.Version++
		p.UpdatedAt = now
		if to.IsTerminal() {
			p.EndedAt = &now
		}

		data, err := json.Marshal(&p)
		if err != nil {
			return fmt.Errorf("failed to marshal plan execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &p
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changed underneath it
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %v aborted after %d attempts", keys, maxTxAttempts)
}

func (s *Store) setJSON(ctx context.Context, c redis.Cmdable, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	if err := c.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// getJSON returns redis.Nil when the key does not exist
func (s *Store) getJSON(ctx context.Context, c redis.Cmdable, key string, v interface{}) error {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return redis.Nil
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return nil
}

func (s *Store) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
}

func hashArgs(fields map[string]string) map[string]interface{} {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return args
}

func nodeKey(id string) string {
	return fmt.Sprintf("%snode:%s", keyPrefix, id)
}

func childrenKey(parentID string) string {
	return fmt.Sprintf("%snode:children:%s", keyPrefix, parentID)
}

func planNodesKey(planExecutionID string) string {
	return fmt.Sprintf("%snode:plan:%s", keyPrefix, planExecutionID)
}

func planKey(id string) string {
	return fmt.Sprintf("%splan:%s", keyPrefix, id)
}
