package steps

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/aescanero/pipengine/internal/application/processor"
	"github.com/aescanero/pipengine/pkg/domain"
)

// Section runs the plan node named by the "child" parameter
type Section struct{}

func (Section) Type() string               { return "SECTION" }
func (Section) Mode() domain.ExecutionMode { return domain.ModeChild }

// References implements processor.ReferenceProvider
func (Section) References(params map[string]interface{}) []string {
	if child := stringParam(params, "child"); child != "" {
		return []string{child}
	}
	return nil
}

// ObtainChild implements processor.ChildStep
func (Section) ObtainChild(ctx context.Context, inv processor.Invocation) (*domain.ChildExecutableResponse, error) {
	child := stringParam(inv.Parameters(), "child")
	if child == "" {
		return nil, errors.New("section requires a child parameter")
	}
	return &domain.ChildExecutableResponse{ChildNodeID: child}, nil
}

// HandleChildResponse implements processor.ChildStep
func (Section) HandleChildResponse(ctx context.Context, inv processor.Invocation, children map[string]domain.Status) (*domain.StepResponse, error) {
	return aggregate(children), nil
}

// Fork runs the plan nodes named by the "children" parameter in parallel,
// at most "max_concurrency" at a time when set
type Fork struct{}

func (Fork) Type() string               { return "FORK" }
func (Fork) Mode() domain.ExecutionMode { return domain.ModeChildren }

// References implements processor.ReferenceProvider
func (Fork) References(params map[string]interface{}) []string {
	children, _ := stringsParam(params, "children")
	return children
}

// ObtainChildren implements processor.ChildrenStep
func (Fork) ObtainChildren(ctx context.Context, inv processor.Invocation) (*domain.ChildrenExecutableResponse, error) {
	params := inv.Parameters()
	children, err := stringsParam(params, "children")
	if err != nil {
		return nil, err
	}
	maxConcurrency, err := intParam(params, "max_concurrency")
	if err != nil {
		return nil, err
	}
	return &domain.ChildrenExecutableResponse{ChildNodeIDs: children, MaxConcurrency: maxConcurrency}, nil
}

// HandleChildrenResponse implements processor.ChildrenStep
func (Fork) HandleChildrenResponse(ctx context.Context, inv processor.Invocation, children map[string]domain.Status) (*domain.StepResponse, error) {
	return aggregate(children), nil
}

// Chain runs the plan nodes named by the "children" parameter in order.
// It stops at the first broke child unless "continue_on_failure" is set.
type Chain struct{}

func (Chain) Type() string               { return "CHAIN" }
func (Chain) Mode() domain.ExecutionMode { return domain.ModeChildChain }

// References implements processor.ReferenceProvider
func (Chain) References(params map[string]interface{}) []string {
	children, _ := stringsParam(params, "children")
	return children
}

// ExecuteFirstChild implements processor.ChildChainStep
func (c Chain) ExecuteFirstChild(ctx context.Context, inv processor.Invocation) (*domain.ChildChainExecutableResponse, error) {
	return c.link(inv, 0)
}

// ExecuteNextChild implements processor.ChildChainStep
func (c Chain) ExecuteNextChild(ctx context.Context, inv processor.Invocation, last domain.Status, passThrough map[string]interface{}) (*domain.ChildChainExecutableResponse, error) {
	if (last.IsBroke() || last == domain.StatusAborted) && stringParam(inv.Parameters(), "continue_on_failure") != "true" {
		return &domain.ChildChainExecutableResponse{Finished: true}, nil
	}
	index, err := intParam(passThrough, "index")
	if err != nil {
		return nil, err
	}
	return c.link(inv, index+1)
}

// FinalizeExecution implements processor.ChildChainStep
func (Chain) FinalizeExecution(ctx context.Context, inv processor.Invocation, children map[string]domain.Status) (*domain.StepResponse, error) {
	return aggregate(children), nil
}

func (Chain) link(inv processor.Invocation, index int) (*domain.ChildChainExecutableResponse, error) {
	children, err := stringsParam(inv.Parameters(), "children")
	if err != nil {
		return nil, err
	}
	if index >= len(children) {
		return &domain.ChildChainExecutableResponse{Finished: true}, nil
	}
	return &domain.ChildChainExecutableResponse{
		NextChildNodeID: children[index],
		PassThrough:     map[string]interface{}{"index": index},
	}, nil
}

func aggregate(children map[string]domain.Status) *domain.StepResponse {
	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	statuses := make([]domain.Status, 0, len(ids))
	var broke []string
	for _, id := range ids {
		statuses = append(statuses, children[id])
		if children[id].IsBroke() {
			broke = append(broke, id)
		}
	}

	resp := &domain.StepResponse{Status: domain.AggregateStatus(statuses)}
	if !resp.Status.IsTerminal() {
		resp.Status = domain.StatusErrored
	}
	if len(broke) > 0 {
		resp.FailureInfo = &domain.FailureInfo{
			Message:     "children failed: " + strings.Join(broke, ", "),
			FailureType: domain.FailureTypeApplication,
		}
	}
	return resp
}

