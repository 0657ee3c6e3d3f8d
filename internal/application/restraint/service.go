package restraint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/pipengine/pkg/adapters/lock"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier delivers promotions and expiries to waiting steps
type Notifier interface {
	Notify(ctx context.Context, correlationID string, resp domain.ResponseData) error
}

// Config holds restraint timing
type Config struct {
	LockWait       time.Duration
	LockLease      time.Duration
	DefaultTimeout time.Duration
}

// AcquireRequest asks for permits on a resource unit
type AcquireRequest struct {
	RestraintID     string
	ResourceUnit    string
	Scope           domain.HoldingScope
	ReleaseEntityID string
	AcquireMode     domain.AcquireMode
	Permits         int
	Priority        int
	NodeExecutionID string
	PlanExecutionID string
	Timeout         time.Duration
}

// Service manages restraint instances
type Service struct {
	store    ports.RestraintStore
	locker   ports.Locker
	notifier Notifier
	metrics  ports.MetricsCollector
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a restraint service
func NewService(store ports.RestraintStore, locker ports.Locker, notifier Notifier, metrics ports.MetricsCollector, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		locker:   locker,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SaveRestraint stores a restraint definition
func (s *Service) SaveRestraint(ctx context.Context, r *domain.ResourceRestraint) error {
	if r.ID == "" || r.Capacity <= 0 {
		return fmt.Errorf("restraint %q needs an id and a positive capacity", r.Name)
	}
	return s.store.SaveRestraint(ctx, r)
}

// Acquire grants permits immediately when capacity allows and nobody of
// equal or higher priority is waiting, otherwise queues the request as
// BLOCKED. Requests larger than the capacity are REJECTED.
func (s *Service) Acquire(ctx context.Context, req AcquireRequest) (*domain.ResourceRestraintInstance, error) {
	if req.Permits <= 0 {
		req.Permits = 1
	}
	if req.AcquireMode == "" {
		req.AcquireMode = domain.AcquireAccumulate
	}

	restraint, err := s.store.GetRestraint(ctx, req.RestraintID)
	if err != nil {
		return nil, err
	}

	var inst *domain.ResourceRestraintInstance
	err = s.withLock(ctx, req.ResourceUnit, func(ctx context.Context) error {
		held, err := s.store.ListRestraintInstances(ctx, req.ResourceUnit)
		if err != nil {
			return err
		}

		if req.AcquireMode == domain.AcquireEnsure {
			for _, h := range held {
				if h.RestraintID == req.RestraintID && h.ReleaseEntityID == req.ReleaseEntityID {
					inst = h
					return nil
				}
			}
		}

		order, err := s.store.NextRestraintOrder(ctx, req.ResourceUnit)
		if err != nil {
			return err
		}
		now := s.now()
		inst = &domain.ResourceRestraintInstance{
			ID:              uuid.NewString(),
			RestraintID:     req.RestraintID,
			ResourceUnit:    req.ResourceUnit,
			Scope:           req.Scope,
			ReleaseEntityID: req.ReleaseEntityID,
			AcquireMode:     req.AcquireMode,
			Permits:         req.Permits,
			Priority:        req.Priority,
			Order:           order,
			NodeExecutionID: req.NodeExecutionID,
			PlanExecutionID: req.PlanExecutionID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		switch {
		case req.Permits > restraint.Capacity:
			inst.State = domain.RestraintRejected
		case activePermits(held)+req.Permits <= restraint.Capacity && !blockedAhead(held, req.Priority):
			inst.State = domain.RestraintActive
		default:
			inst.State = domain.RestraintBlocked
			timeout := req.Timeout
			if timeout == 0 {
				timeout = s.cfg.DefaultTimeout
			}
			if timeout > 0 {
				deadline := now.Add(timeout)
				inst.Deadline = &deadline
			}
		}

		if err := s.store.SaveRestraintInstance(ctx, inst); err != nil {
			return err
		}
		if inst.State == domain.RestraintBlocked {
			s.metrics.SetRestraintQueueDepth(req.ResourceUnit, countBlocked(held)+1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("restraint acquire",
		zap.String("resource_unit", req.ResourceUnit),
		zap.String("release_entity_id", req.ReleaseEntityID),
		zap.String("instance_id", inst.ID),
		zap.String("state", string(inst.State)),
		zap.Int("permits", inst.Permits))

	return inst, nil
}

// Release finishes every instance held by releaseEntityID and promotes
// waiters that now fit. Promoted waiters are notified after the unit lock
// is released.
func (s *Service) Release(ctx context.Context, releaseEntityID string) error {
	instances, err := s.store.FindRestraintInstancesByReleaseEntity(ctx, releaseEntityID)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return nil
	}

	units := make(map[string]struct{})
	for _, inst := range instances {
		units[inst.ResourceUnit] = struct{}{}
	}

	var errs []error
	for unit := range units {
		var promoted []*domain.ResourceRestraintInstance
		err := s.withLock(ctx, unit, func(ctx context.Context) error {
			held, err := s.store.ListRestraintInstances(ctx, unit)
			if err != nil {
				return err
			}

			remaining := held[:0:0]
			now := s.now()
			for _, h := range held {
				if h.ReleaseEntityID != releaseEntityID {
					remaining = append(remaining, h)
					continue
				}
				h.State = domain.RestraintFinished
				h.Deadline = nil
				h.UpdatedAt = now
				if err := s.store.SaveRestraintInstance(ctx, h); err != nil {
					return err
				}
			}

			promoted, err = s.promote(ctx, unit, remaining)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.notifyPromoted(ctx, promoted, &errs)
	}

	s.logger.Debug("restraints released",
		zap.String("release_entity_id", releaseEntityID),
		zap.Int("instances", len(instances)))

	return errors.Join(errs...)
}

// Cancel withdraws a BLOCKED request, promoting waiters queued behind it.
// Granted permits stay held until their release entity concludes.
func (s *Service) Cancel(ctx context.Context, instanceID string) error {
	candidate, err := s.store.GetRestraintInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	var promoted []*domain.ResourceRestraintInstance
	err = s.withLock(ctx, candidate.ResourceUnit, func(ctx context.Context) error {
		inst, err := s.store.GetRestraintInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.State != domain.RestraintBlocked {
			return nil
		}
		inst.State = domain.RestraintFinished
		inst.Deadline = nil
		inst.UpdatedAt = s.now()
		if err := s.store.SaveRestraintInstance(ctx, inst); err != nil {
			return err
		}

		held, err := s.store.ListRestraintInstances(ctx, inst.ResourceUnit)
		if err != nil {
			return err
		}
		promoted, err = s.promote(ctx, inst.ResourceUnit, held)
		return err
	})
	if err != nil {
		return err
	}

	var errs []error
	s.notifyPromoted(ctx, promoted, &errs)
	return errors.Join(errs...)
}

// ExpireOverdue rejects BLOCKED instances past their deadline, notifies
// their steps with EXPIRED and promotes waiters the removal unblocked
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.store.FindOverdueRestraintInstances(ctx, now)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, candidate := range overdue {
		var (
			rejected *domain.ResourceRestraintInstance
			promoted []*domain.ResourceRestraintInstance
		)
		err := s.withLock(ctx, candidate.ResourceUnit, func(ctx context.Context) error {
			inst, err := s.store.GetRestraintInstance(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !inst.Overdue(now) {
				return nil
			}
			inst.State = domain.RestraintRejected
			inst.Deadline = nil
			inst.UpdatedAt = s.now()
			if err := s.store.SaveRestraintInstance(ctx, inst); err != nil {
				return err
			}
			rejected = inst

			held, err := s.store.ListRestraintInstances(ctx, inst.ResourceUnit)
			if err != nil {
				return err
			}
			promoted, err = s.promote(ctx, inst.ResourceUnit, held)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rejected == nil {
			continue
		}

		expired++
		s.logger.Warn("restraint wait timed out",
			zap.String("instance_id", rejected.ID),
			zap.String("resource_unit", rejected.ResourceUnit),
			zap.String("node_execution_id", rejected.NodeExecutionID))

		if err := s.notifier.Notify(ctx, rejected.ID, domain.ResponseData{
			NodeExecutionID: rejected.NodeExecutionID,
			Status:          domain.StatusExpired,
			Data:            map[string]interface{}{"state": string(domain.RestraintRejected)},
			Error:           "resource restraint wait timed out",
		}); err != nil {
			errs = append(errs, err)
		}
		s.notifyPromoted(ctx, promoted, &errs)
	}
	return expired, errors.Join(errs...)
}

// QueueDepth returns the number of BLOCKED requests on a unit
func (s *Service) QueueDepth(ctx context.Context, resourceUnit string) (int, error) {
	held, err := s.store.ListRestraintInstances(ctx, resourceUnit)
	if err != nil {
		return 0, err
	}
	return countBlocked(held), nil
}

// Get loads a restraint instance
func (s *Service) Get(ctx context.Context, instanceID string) (*domain.ResourceRestraintInstance, error) {
	return s.store.GetRestraintInstance(ctx, instanceID)
}

// promote activates waiters in queue order while capacity allows,
// stopping at the first waiter that does not fit. Must run under the
// unit lock.
func (s *Service) promote(ctx context.Context, unit string, held []*domain.ResourceRestraintInstance) ([]*domain.ResourceRestraintInstance, error) {
	waiters := make([]*domain.ResourceRestraintInstance, 0)
	for _, h := range held {
		if h.State == domain.RestraintBlocked {
			waiters = append(waiters, h)
		}
	}
	if len(waiters) == 0 {
		s.metrics.SetRestraintQueueDepth(unit, 0)
		return nil, nil
	}
	sortQueue(waiters)

	capacities := make(map[string]int)
	used := activePermits(held)
	promoted := make([]*domain.ResourceRestraintInstance, 0)
	for _, w := range waiters {
		capacity, ok := capacities[w.RestraintID]
		if !ok {
			r, err := s.store.GetRestraint(ctx, w.RestraintID)
			if err != nil {
				return promoted, err
			}
			capacity = r.Capacity
			capacities[w.RestraintID] = capacity
		}
		if used+w.Permits > capacity {
			break
		}
		w.State = domain.RestraintActive
		w.Deadline = nil
		w.UpdatedAt = s.now()
		if err := s.store.SaveRestraintInstance(ctx, w); err != nil {
			return promoted, err
		}
		used += w.Permits
		promoted = append(promoted, w)
	}

	s.metrics.SetRestraintQueueDepth(unit, len(waiters)-len(promoted))
	return promoted, nil
}

func (s *Service) notifyPromoted(ctx context.Context, promoted []*domain.ResourceRestraintInstance, errs *[]error) {
	for _, p := range promoted {
		s.logger.Debug("restraint promoted",
			zap.String("instance_id", p.ID),
			zap.String("resource_unit", p.ResourceUnit),
			zap.String("node_execution_id", p.NodeExecutionID))
		if err := s.notifier.Notify(ctx, p.ID, domain.ResponseData{
			NodeExecutionID: p.NodeExecutionID,
			Status:          domain.StatusSucceeded,
			Data:            map[string]interface{}{"state": string(domain.RestraintActive)},
		}); err != nil {
			*errs = append(*errs, err)
		}
	}
}

func (s *Service) withLock(ctx context.Context, unit string, fn func(ctx context.Context) error) error {
	err := lock.Do(ctx, s.locker, s.logger, "restraint:"+unit, s.cfg.LockWait, s.cfg.LockLease, fn)
	if domain.IsLockNotAcquired(err) {
		s.metrics.IncLockFailures("restraint")
	}
	return err
}

func activePermits(held []*domain.ResourceRestraintInstance) int {
	total := 0
	for _, h := range held {
		if h.State == domain.RestraintActive {
			total += h.Permits
		}
	}
	return total
}

func countBlocked(held []*domain.ResourceRestraintInstance) int {
	n := 0
	for _, h := range held {
		if h.State == domain.RestraintBlocked {
			n++
		}
	}
	return n
}

// blockedAhead reports whether a waiter would be served before a new
// request of the given priority
func blockedAhead(held []*domain.ResourceRestraintInstance, priority int) bool {
	for _, h := range held {
		if h.State == domain.RestraintBlocked && h.Priority >= priority {
			return true
		}
	}
	return false
}

func sortQueue(waiters []*domain.ResourceRestraintInstance) {
	sort.SliceStable(waiters, func(i, j int) bool {
		if waiters[i].Priority != waiters[j].Priority {
			return waiters[i].Priority > waiters[j].Priority
		}
		return waiters[i].Order < waiters[j].Order
	})
}
