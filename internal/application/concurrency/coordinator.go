package concurrency

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

// Store is the persistence the coordinator needs
type Store interface {
	ports.ConcurrentChildStore
	FindChildren(ctx context.Context, parentID string) ([]*domain.NodeExecution, error)
}

// Starter starts and force-errors child node executions
type Starter interface {
	StartChild(ctx context.Context, childID string) error
	ErrorChild(ctx context.Context, childID string, info domain.FailureInfo) error
}

// Config holds lock timing
type Config struct {
	LockWait  time.Duration
	LockLease time.Duration
}

// DefaultConfig waits 10s for the parent lock and leases it for 30s
func DefaultConfig() Config {
	return Config{LockWait: 10 * time.Second, LockLease: 30 * time.Second}
}

// Coordinator advances concurrent child cursors
type Coordinator struct {
	store   Store
	locker  ports.Locker
	starter Starter
	metrics ports.MetricsCollector
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewCoordinator creates a concurrency coordinator
func NewCoordinator(store Store, locker ports.Locker, starter Starter, metrics ports.MetricsCollector, cfg Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		locker:  locker,
		starter: starter,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Start persists the instance for parentID and starts the first
// maxConcurrency children. A non-positive maxConcurrency starts every child.
func (c *Coordinator) Start(ctx context.Context, parentID string, childIDs []string, maxConcurrency int) error {
	if len(childIDs) == 0 {
		return nil
	}
	if maxConcurrency <= 0 || maxConcurrency > len(childIDs) {
		maxConcurrency = len(childIDs)
	}

	now := c.now()
	inst := &domain.ConcurrentChildInstance{
		ParentID:                 parentID,
		ChildrenNodeExecutionIDs: append([]string(nil), childIDs...),
		Cursor:                   maxConcurrency - 1,
		MaxConcurrency:           maxConcurrency,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := c.store.SaveConcurrentChildInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to save concurrent child instance: %w", err)
	}

	c.logger.Debug("concurrent children initialized",
		zap.String("parent_id", parentID),
		zap.Int("children", len(childIDs)),
		zap.Int("max_concurrency", maxConcurrency))

	var errs []error
	for _, id := range childIDs[:maxConcurrency] {
		if err := c.starter.StartChild(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notify handles a successful child completion
func (c *Coordinator) Notify(ctx context.Context, parentID, childID string) error {
	return c.advance(ctx, parentID, childID)
}

// NotifyError handles a failed child completion. A failed child frees its
// slot exactly like a successful one.
func (c *Coordinator) NotifyError(ctx context.Context, parentID, childID string, cause error) error {
	c.logger.Debug("concurrent child failed",
		zap.String("parent_id", parentID),
		zap.String("child_id", childID),
		zap.Error(cause))
	return c.advance(ctx, parentID, childID)
}

// Cleanup removes the instance once the parent has concluded
func (c *Coordinator) Cleanup(ctx context.Context, parentID string) error {
	return c.store.DeleteConcurrentChildInstance(ctx, parentID)
}

func (c *Coordinator) advance(ctx context.Context, parentID, childID string) error {
	var (
		next    string
		orphans []string
	)

	err := lock.Do(ctx, c.locker, c.logger, "concurrency:"+parentID, c.cfg.LockWait, c.cfg.LockLease, func(ctx context.Context) error {
		inst, err := c.store.IncrementCursor(ctx, parentID)
		if errors.Is(err, domain.ErrMissingConcurrencyState) {
			children, findErr := c.store.FindChildren(ctx, parentID)
			if findErr != nil {
				return errors.Join(err, findErr)
			}
			for _, child := range children {
				if child.ID != childID && !child.Status.IsTerminal() {
					orphans = append(orphans, child.ID)
				}
			}
			return err
		}
		if err != nil {
			return err
		}

		if inst.Cursor >= len(inst.ChildrenNodeExecutionIDs) {
			return nil
		}
		next = inst.ChildrenNodeExecutionIDs[inst.Cursor]
		return nil
	})

	if domain.IsLockNotAcquired(err) {
		c.metrics.IncLockFailures("concurrency")
		c.logger.Error("concurrency lock not acquired",
			zap.String("parent_id", parentID),
			zap.String("child_id", childID),
			zap.Error(err))
		return err
	}

	if errors.Is(err, domain.ErrMissingConcurrencyState) {
		c.logger.Error("concurrent child instance missing, erroring remaining children",
			zap.String("parent_id", parentID),
			zap.Int("children", len(orphans)))
		errs := []error{err}
		for _, id := range orphans {
			if ferr := c.starter.ErrorChild(ctx, id, domain.FailureInfo{
				Message:     "concurrent child state of parent " + parentID + " is missing",
				FailureType: domain.FailureTypeUnknownParent,
			}); ferr != nil {
				errs = append(errs, ferr)
			}
		}
		return errors.Join(errs...)
	}
	if err != nil {
		return err
	}

	if next == "" {
		return nil
	}

	c.logger.Debug("starting next concurrent child",
		zap.String("parent_id", parentID),
		zap.String("child_id", next))
	return c.starter.StartChild(ctx, next)
}
