package processor

import (
	"context"

	"github.com/aescanero/pipengine/pkg/domain"
)

// Invocation is what a step sees of the node it runs
type Invocation struct {
	Node       *domain.NodeExecution
	PlanNode   *domain.PlanNode
	PlanInputs map[string]interface{}
}

// Parameters returns the step parameters of the plan node
func (i Invocation) Parameters() map[string]interface{} {
	if i.PlanNode == nil {
		return nil
	}
	return i.PlanNode.StepParameters
}

// Step is implemented by every step type. Mode is the default execution
// mode; a plan node may override it with another mode the step supports.
type Step interface {
	Type() string
	Mode() domain.ExecutionMode
}

// SyncStep runs inline and returns its final response
type SyncStep interface {
	Step
	ExecuteSync(ctx context.Context, inv Invocation) (*domain.StepResponse, error)
}

// AsyncStep returns correlation ids and is resumed once all are notified
type AsyncStep interface {
	Step
	ExecuteAsync(ctx context.Context, inv Invocation) (*domain.AsyncExecutableResponse, error)
	HandleAsyncResponse(ctx context.Context, inv Invocation, responses map[string]domain.ResponseData) (*domain.StepResponse, error)
	HandleAbort(ctx context.Context, inv Invocation, resp *domain.AsyncExecutableResponse) error
}

// ChildStep runs one child and concludes with its outcome
type ChildStep interface {
	Step
	ObtainChild(ctx context.Context, inv Invocation) (*domain.ChildExecutableResponse, error)
	HandleChildResponse(ctx context.Context, inv Invocation, children map[string]domain.Status) (*domain.StepResponse, error)
}

// ChildrenStep runs several children, optionally bounded, and concludes
// once all of them finished
type ChildrenStep interface {
	Step
	ObtainChildren(ctx context.Context, inv Invocation) (*domain.ChildrenExecutableResponse, error)
	HandleChildrenResponse(ctx context.Context, inv Invocation, children map[string]domain.Status) (*domain.StepResponse, error)
}

// ChildChainStep runs children one after another, choosing each next child
// from the outcome of the previous one
type ChildChainStep interface {
	Step
	ExecuteFirstChild(ctx context.Context, inv Invocation) (*domain.ChildChainExecutableResponse, error)
	ExecuteNextChild(ctx context.Context, inv Invocation, last domain.Status, passThrough map[string]interface{}) (*domain.ChildChainExecutableResponse, error)
	FinalizeExecution(ctx context.Context, inv Invocation, children map[string]domain.Status) (*domain.StepResponse, error)
}

// TaskStep delegates its work to an external worker
type TaskStep interface {
	Step
	ObtainTask(ctx context.Context, inv Invocation) (*domain.TaskRequest, error)
	HandleTaskResult(ctx context.Context, inv Invocation, responses map[string]domain.ResponseData) (*domain.StepResponse, error)
}

// ReferenceProvider is implemented by steps whose parameters name other
// plan nodes, so plans can be checked before they run
type ReferenceProvider interface {
	References(params map[string]interface{}) []string
}

// Supports reports whether step implements the entry points of mode
func Supports(step Step, mode domain.ExecutionMode) bool {
	switch mode {
	case domain.ModeSync:
		_, ok := step.(SyncStep)
		return ok
	case domain.ModeAsync:
		_, ok := step.(AsyncStep)
		return ok
	case domain.ModeChild:
		_, ok := step.(ChildStep)
		return ok
	case domain.ModeChildren:
		_, ok := step.(ChildrenStep)
		return ok
	case domain.ModeChildChain:
		_, ok := step.(ChildChainStep)
		return ok
	case domain.ModeTask:
		_, ok := step.(TaskStep)
		return ok
	}
	return false
}
