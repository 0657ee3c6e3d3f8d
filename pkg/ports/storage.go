package ports

import (
	"context"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
)

// NodeExecutionStore persists node execution records
type NodeExecutionStore interface {
	// GetNodeExecution loads a record. With a projection only the named
	// fields (plus the id) are populated.
	GetNodeExecution(ctx context.Context, id string, projection ...string) (*domain.NodeExecution, error)

	// SaveNodeExecution creates or replaces a record
	SaveNodeExecution(ctx context.Context, n *domain.NodeExecution) error

	// UpdateNodeStatus moves a record from one status to another only if it
	// is still in from. mutate, when non-nil, edits other fields in the same
	// write. Returns domain.ErrStatusConflict if the current status differs.
	UpdateNodeStatus(ctx context.Context, id string, from, to domain.Status, mutate func(*domain.NodeExecution)) (*domain.NodeExecution, error)

	// UpdateNodeExecution applies mutate under an optimistic version check
	UpdateNodeExecution(ctx context.Context, id string, mutate func(*domain.NodeExecution) error) (*domain.NodeExecution, error)

	// FindChildren returns the direct children of a node execution
	FindChildren(ctx context.Context, parentID string) ([]*domain.NodeExecution, error)

	// FindByPlanExecution returns every node execution of a plan execution
	FindByPlanExecution(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error)
}

// PlanExecutionStore persists plan execution records
type PlanExecutionStore interface {
	SavePlanExecution(ctx context.Context, p *domain.PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error)
	UpdatePlanStatus(ctx context.Context, id string, from, to domain.Status) (*domain.PlanExecution, error)
}

// BarrierStore persists barrier instances
type BarrierStore interface {
	SaveBarrier(ctx context.Context, b *domain.BarrierExecutionInstance) error
	GetBarrier(ctx context.Context, id string) (*domain.BarrierExecutionInstance, error)
	ListBarriers(ctx context.Context, planExecutionID string) ([]*domain.BarrierExecutionInstance, error)
	FindOverdueBarriers(ctx context.Context, now time.Time) ([]*domain.BarrierExecutionInstance, error)
}

// ConcurrentChildStore persists bounded fan-out cursors
type ConcurrentChildStore interface {
	SaveConcurrentChildInstance(ctx context.Context, c *domain.ConcurrentChildInstance) error
	GetConcurrentChildInstance(ctx context.Context, parentID string) (*domain.ConcurrentChildInstance, error)

	// IncrementCursor atomically advances the cursor by one, never past the
	// number of children, and returns the updated instance. Returns
	// domain.ErrMissingConcurrencyState when no instance exists.
	IncrementCursor(ctx context.Context, parentID string) (*domain.ConcurrentChildInstance, error)

	DeleteConcurrentChildInstance(ctx context.Context, parentID string) error
}

// RestraintStore persists resource restraints and their usage ledger
type RestraintStore interface {
	SaveRestraint(ctx context.Context, r *domain.ResourceRestraint) error
	GetRestraint(ctx context.Context, id string) (*domain.ResourceRestraint, error)

	SaveRestraintInstance(ctx context.Context, inst *domain.ResourceRestraintInstance) error
	GetRestraintInstance(ctx context.Context, id string) (*domain.ResourceRestraintInstance, error)

	// ListRestraintInstances returns the ACTIVE and BLOCKED instances of a
	// resource unit ordered by arrival
	ListRestraintInstances(ctx context.Context, resourceUnit string) ([]*domain.ResourceRestraintInstance, error)

	FindRestraintInstancesByReleaseEntity(ctx context.Context, releaseEntityID string) ([]*domain.ResourceRestraintInstance, error)
	FindOverdueRestraintInstances(ctx context.Context, now time.Time) ([]*domain.ResourceRestraintInstance, error)

	// NextRestraintOrder returns a strictly increasing arrival number
	NextRestraintOrder(ctx context.Context, resourceUnit string) (int64, error)
}

// WaitStore persists wait instances and delivered responses
type WaitStore interface {
	SaveWaitInstance(ctx context.Context, w *domain.WaitInstance) error
	FindWaitInstances(ctx context.Context, correlationID string) ([]*domain.WaitInstance, error)
	FindWaitInstancesByOwner(ctx context.Context, ownerID string) ([]*domain.WaitInstance, error)

	// ClaimWaitInstance deletes a wait instance and reports whether this
	// caller removed it. Exactly one caller wins.
	ClaimWaitInstance(ctx context.Context, id string) (bool, error)

	SaveResponse(ctx context.Context, resp domain.ResponseData) error
	GetResponses(ctx context.Context, correlationIDs []string) (map[string]domain.ResponseData, error)
}

// Store groups every persistence boundary of the engine
type Store interface {
	NodeExecutionStore
	PlanExecutionStore
	BarrierStore
	ConcurrentChildStore
	RestraintStore
	WaitStore
}
