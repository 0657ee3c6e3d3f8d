package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// SaveWaitInstance stores a wait instance and indexes it by correlation id
// and owner
func (s *Store) SaveWaitInstance(ctx context.Context, w *domain.WaitInstance) error {
	data, err := marshal(w)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, waitKey(w.ID), data, s.ttl)
		for _, id := range w.CorrelationIDs {
			pipe.SAdd(ctx, correlationKey(id), w.ID)
			s.expire(ctx, pipe, correlationKey(id))
		}
		pipe.SAdd(ctx, ownerKey(w.OwnerID), w.ID)
		s.expire(ctx, pipe, ownerKey(w.OwnerID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save wait instance: %w", err)
	}
	return nil
}

// FindWaitInstances returns the wait instances listening on a correlation id
func (s *Store) FindWaitInstances(ctx context.Context, correlationID string) ([]*domain.WaitInstance, error) {
	return s.waitsIn(ctx, correlationKey(correlationID))
}

// FindWaitInstancesByOwner returns the wait instances registered by an owner
func (s *Store) FindWaitInstancesByOwner(ctx context.Context, ownerID string) ([]*domain.WaitInstance, error) {
	return s.waitsIn(ctx, ownerKey(ownerID))
}

// ClaimWaitInstance deletes a wait instance. Only the caller whose DEL
// removed the key wins the claim.
func (s *Store) ClaimWaitInstance(ctx context.Context, id string) (bool, error) {
	deleted, err := s.client.Del(ctx, waitKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim wait instance: %w", err)
	}
	return deleted == 1, nil
}

// SaveResponse stores a notification response
func (s *Store) SaveResponse(ctx context.Context, resp domain.ResponseData) error {
	return s.setJSON(ctx, s.client, responseKey(resp.CorrelationID), resp)
}

// GetResponses returns the stored responses among correlationIDs
func (s *Store) GetResponses(ctx context.Context, correlationIDs []string) (map[string]domain.ResponseData, error) {
	out := make(map[string]domain.ResponseData, len(correlationIDs))
	for _, id := range correlationIDs {
		var resp domain.ResponseData
		if err := s.getJSON(ctx, s.client, responseKey(id), &resp); err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		out[id] = resp
	}
	return out, nil
}

// waitsIn loads the wait instances of an index set, pruning ids whose
// instance was already claimed
func (s *Store) waitsIn(ctx context.Context, setKey string) ([]*domain.WaitInstance, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list wait instances: %w", err)
	}
	sort.Strings(ids)

	out := make([]*domain.WaitInstance, 0, len(ids))
	for _, id := range ids {
		var w domain.WaitInstance
		if err := s.getJSON(ctx, s.client, waitKey(id), &w); err != nil {
			if errors.Is(err, redis.Nil) {
				s.client.SRem(ctx, setKey, id)
				continue
			}
			return nil, err
		}
		out = append(out, &w)
	}
	return out, nil
}

func waitKey(id string) string {
	return fmt.Sprintf("%swait:%s", keyPrefix, id)
}

func correlationKey(correlationID string) string {
	return fmt.Sprintf("%swait:correlation:%s", keyPrefix, correlationID)
}

func ownerKey(ownerID string) string {
	return fmt.Sprintf("%swait:owner:%s", keyPrefix, ownerID)
}

func responseKey(correlationID string) string {
	return fmt.Sprintf("%sresponse:%s", keyPrefix, correlationID)
}
