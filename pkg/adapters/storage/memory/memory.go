package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
)

var errMissing = errors.New("record missing")

// Store implements ports.Store using in-memory maps.
// Records are kept in encoded form so callers never share memory with it.
type Store struct {
	mu sync.RWMutex

	nodes      map[string]map[string]string // id -> encoded fields
	plans      map[string][]byte
	barriers   map[string][]byte
	concurrent map[string][]byte
	restraints map[string][]byte
	instances  map[string][]byte
	orders     map[string]int64
	waits      map[string][]byte
	responses  map[string][]byte

	now func() time.Time
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		nodes:      make(map[string]map[string]string),
		plans:      make(map[string][]byte),
		barriers:   make(map[string][]byte),
		concurrent: make(map[string][]byte),
		restraints: make(map[string][]byte),
		instances:  make(map[string][]byte),
		orders:     make(map[string]int64),
		waits:      make(map[string][]byte),
		responses:  make(map[string][]byte),
		now:        time.Now,
	}
}

// SaveNodeExecution creates or replaces a node execution
func (s *Store) SaveNodeExecution(ctx context.Context, n *domain.NodeExecution) error {
	fields, err := n.EncodeFields()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[n.ID] = fields
	return nil
}

// GetNodeExecution loads a node execution, optionally projected
func (s *Store) GetNodeExecution(ctx context.Context, id string, projection ...string) (*domain.NodeExecution, error) {
	s.mu.RLock()
	fields, ok := s.nodes[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNodeExecutionNotFound, id)
	}
	return domain.DecodeNodeExecutionFields(domain.Project(fields, projection))
}

// UpdateNodeStatus performs a conditional status write
func (s *Store) UpdateNodeStatus(ctx context.Context, id string, from, to domain.Status, mutate func(*domain.NodeExecution)) (*domain.NodeExecution, error) {
	return s.updateNode(id, func(n *domain.NodeExecution) error {
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

// UpdateNodeExecution applies mutate to a node execution
func (s *Store) UpdateNodeExecution(ctx context.Context, id string, mutate func(*domain.NodeExecution) error) (*domain.NodeExecution, error) {
	return s.updateNode(id, mutate)
}

func (s *Store) updateNode(id string, mutate func(*domain.NodeExecution) error) (*domain.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNodeExecutionNotFound, id)
	}
	n, err := domain.DecodeNodeExecutionFields(fields)
	if err != nil {
		return nil, err
	}
	if err := mutate(n); err != nil {
		return nil, err
	}
	n.Version++
	n.UpdatedAt = s.now()

	encoded, err := n.EncodeFields()
	if err != nil {
		return nil, err
	}
	s.nodes[id] = encoded
	return n, nil
}

// FindChildren returns the direct children of a node execution
func (s *Store) FindChildren(ctx context.Context, parentID string) ([]*domain.NodeExecution, error) {
	return s.findNodes(func(n *domain.NodeExecution) bool { return n.ParentID == parentID })
}

// FindByPlanExecution returns all node executions of a plan execution
func (s *Store) FindByPlanExecution(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	return s.findNodes(func(n *domain.NodeExecution) bool { return n.PlanExecutionID == planExecutionID })
}

func (s *Store) findNodes(match func(*domain.NodeExecution) bool) ([]*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.NodeExecution, 0)
	for _, fields := range s.nodes {
		n, err := domain.DecodeNodeExecutionFields(fields)
		if err != nil {
			return nil, err
		}
		if match(n) {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out, nil
}

func sortNodes(nodes []*domain.NodeExecution) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
}

// SavePlanExecution creates or replaces a plan execution
func (s *Store) SavePlanExecution(ctx context.Context, p *domain.PlanExecution) error {
	return s.put(s.plans, p.ID, p)
}

// GetPlanExecution loads a plan execution
func (s *Store) GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error) {
	var p domain.PlanExecution
	if err := s.get(s.plans, id, &p); err != nil {
		if errors.Is(err, errMissing) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPlanExecutionNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}

// UpdatePlanStatus performs a conditional plan status write
func (s *Store) UpdatePlanStatus(ctx context.Context, id string, from, to domain.Status) (*domain.PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlanExecutionNotFound, id)
	}
	var p domain.PlanExecution
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan execution: %w", err)
	}
	if p.Status != from {
		return nil, fmt.Errorf("%w: plan %s is %s, expected %s", domain.ErrStatusConflict, id, p.Status, from)
	}
	now := s.now()
	p.Status = to
	p.Version++
	p.UpdatedAt = now
	if to.IsTerminal() {
		p.EndedAt = &now
	}
	encoded, err := json.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan execution: %w", err)
	}
	s.plans[id] = encoded
	return &p, nil
}

// put and get store JSON copies under the store lock
func (s *Store) put(m map[string][]byte, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", v, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m[id] = data
	return nil
}

func (s *Store) get(m map[string][]byte, id string, v interface{}) error {
	s.mu.RLock()
	data, ok := m[id]
	s.mu.RUnlock()

	if !ok {
		return errMissing
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return nil
}
