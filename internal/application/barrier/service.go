package barrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/pipengine/pkg/adapters/lock"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"go.uber.org/zap"
)

// SinglePassMessage is the outcome message of a one-participant barrier
const SinglePassMessage = "There is only one barrier present for this identifier. Barrier went down"

// ErrUnexpectedBranch is returned when a stage that does not participate
// drops into a barrier
var ErrUnexpectedBranch = errors.New("branch does not participate in barrier")

// Notifier delivers barrier outcomes to waiting steps
type Notifier interface {
	Notify(ctx context.Context, correlationID string, resp domain.ResponseData) error
}

// Config holds barrier timing
type Config struct {
	LockWait       time.Duration
	LockLease      time.Duration
	DefaultTimeout time.Duration
}

// DropResult describes a barrier after a drop
type DropResult struct {
	Barrier       *domain.BarrierExecutionInstance
	PassedThrough bool
	Message       string
}

// Down reports whether the barrier has gone down
func (r *DropResult) Down() bool {
	return r.Barrier.State == domain.BarrierDown
}

// Service manages barrier instances
type Service struct {
	store    ports.BarrierStore
	locker   ports.Locker
	notifier Notifier
	metrics  ports.MetricsCollector
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a barrier service
func NewService(store ports.BarrierStore, locker ports.Locker, notifier Notifier, metrics ports.MetricsCollector, cfg Config, logger *zap.Logger) *Service {
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

// Register creates the UP barrier instances of a plan execution
func (s *Service) Register(ctx context.Context, planExecutionID string, setups []domain.BarrierSetup) error {
	now := s.now()
	for _, setup := range setups {
		b := &domain.BarrierExecutionInstance{
			ID:              domain.BarrierInstanceID(planExecutionID, setup.Identifier),
			Identifier:      setup.Identifier,
			PlanExecutionID: planExecutionID,
			Stages:          append([]string(nil), setup.Stages...),
			State:           domain.BarrierUp,
			Arrivals:        make(map[string]domain.BarrierArrival),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		timeout := setup.Timeout
		if timeout == 0 {
			timeout = s.cfg.DefaultTimeout
		}
		if timeout > 0 {
			deadline := now.Add(timeout)
			b.Deadline = &deadline
		}
		if err := s.store.SaveBarrier(ctx, b); err != nil {
			return fmt.Errorf("failed to register barrier %s: %w", setup.Identifier, err)
		}
		s.metrics.RecordBarrierState(string(domain.BarrierUp))
	}
	return nil
}

// Get loads a barrier instance
func (s *Service) Get(ctx context.Context, barrierID string) (*domain.BarrierExecutionInstance, error) {
	return s.store.GetBarrier(ctx, barrierID)
}

// Save writes a barrier instance under its lock
func (s *Service) Save(ctx context.Context, b *domain.BarrierExecutionInstance) error {
	return s.withLock(ctx, b.ID, func(ctx context.Context) error {
		b.Version++
		b.UpdatedAt = s.now()
		return s.store.SaveBarrier(ctx, b)
	})
}

// Drop records that branchID reached the barrier. Dropping twice is a
// no-op. Waiters are notified after the lock is released.
func (s *Service) Drop(ctx context.Context, barrierID, branchID, nodeExecutionID string) (*DropResult, error) {
	var (
		result   *DropResult
		wentDown bool
	)

	err := s.withLock(ctx, barrierID, func(ctx context.Context) error {
		b, err := s.store.GetBarrier(ctx, barrierID)
		if err != nil {
			return err
		}
		result = &DropResult{Barrier: b}

		if b.State != domain.BarrierUp {
			return nil
		}
		if !b.IsExpected(branchID) {
			return fmt.Errorf("%w: %s in %s", ErrUnexpectedBranch, branchID, barrierID)
		}
		if _, arrived := b.Arrivals[branchID]; arrived {
			return nil
		}

		now := s.now()
		if b.Arrivals == nil {
			b.Arrivals = make(map[string]domain.BarrierArrival)
		}
		b.Arrivals[branchID] = domain.BarrierArrival{
			BranchID:        branchID,
			NodeExecutionID: nodeExecutionID,
			ArrivedAt:       now,
		}

		switch {
		case len(b.Stages) == 1:
			b.State = domain.BarrierDown
			result.PassedThrough = true
			result.Message = SinglePassMessage
			wentDown = true
		case b.AllArrived():
			b.State = domain.BarrierDown
			wentDown = true
		}

		b.Version++
		b.UpdatedAt = now
		return s.store.SaveBarrier(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("barrier dropped",
		zap.String("barrier_id", barrierID),
		zap.String("branch_id", branchID),
		zap.String("state", string(result.Barrier.State)))

	if wentDown {
		s.metrics.RecordBarrierState(string(domain.BarrierDown))
		s.logger.Info("barrier went down",
			zap.String("barrier_id", barrierID),
			zap.Int("arrivals", len(result.Barrier.Arrivals)))
		if err := s.notifier.Notify(ctx, barrierID, domain.ResponseData{
			Status: domain.StatusSucceeded,
			Data:   map[string]interface{}{"state": string(domain.BarrierDown), "message": result.Message},
		}); err != nil {
			return result, fmt.Errorf("failed to notify barrier waiters: %w", err)
		}
	}
	return result, nil
}

// ExpireOverdue times out UP barriers past their deadline and resolves
// their waiters to EXPIRED
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.store.FindOverdueBarriers(ctx, now)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, candidate := range overdue {
		timedOut := false
		err := s.withLock(ctx, candidate.ID, func(ctx context.Context) error {
			b, err := s.store.GetBarrier(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !b.Overdue(now) {
				return nil
			}
			b.State = domain.BarrierTimedOut
			b.Version++
			b.UpdatedAt = s.now()
			timedOut = true
			return s.store.SaveBarrier(ctx, b)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !timedOut {
			continue
		}

		expired++
		s.metrics.RecordBarrierState(string(domain.BarrierTimedOut))
		s.logger.Warn("barrier timed out", zap.String("barrier_id", candidate.ID))

		if err := s.notifier.Notify(ctx, candidate.ID, domain.ResponseData{
			Status: domain.StatusExpired,
			Data:   map[string]interface{}{"state": string(domain.BarrierTimedOut)},
			Error:  "barrier timed out before all stages arrived",
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

func (s *Service) withLock(ctx context.Context, barrierID string, fn func(ctx context.Context) error) error {
	err := lock.Do(ctx, s.locker, s.logger, "barrier:"+barrierID, s.cfg.LockWait, s.cfg.LockLease, fn)
	if domain.IsLockNotAcquired(err) {
		s.metrics.IncLockFailures("barrier")
	}
	return err
}
