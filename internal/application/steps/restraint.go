package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/pipengine/internal/application/processor"
	"github.com/aescanero/pipengine/internal/application/restraint"
	"github.com/aescanero/pipengine/pkg/domain"
)

// RestraintAcquirer is the restraint service as seen by the
// RESOURCE_CONSTRAINT step
type RestraintAcquirer interface {
	Acquire(ctx context.Context, req restraint.AcquireRequest) (*domain.ResourceRestraintInstance, error)
	Cancel(ctx context.Context, instanceID string) error
}

// Notifier delivers a response under a correlation id
type Notifier interface {
	Notify(ctx context.Context, correlationID string, resp domain.ResponseData) error
}

// ResourceConstraint acquires permits on the restraint named by the
// "restraint" parameter and waits in RESOURCE_WAITING until they are
// granted. Parameters: resource_unit (defaults to the restraint id),
// scope (PIPELINE, STAGE or STEP), acquire_mode (ENSURE or ACCUMULATE),
// permits, priority and timeout.
type ResourceConstraint struct {
	restraints RestraintAcquirer
	notifier   Notifier
}

// NewResourceConstraint creates a RESOURCE_CONSTRAINT step
func NewResourceConstraint(restraints RestraintAcquirer, notifier Notifier) *ResourceConstraint {
	return &ResourceConstraint{restraints: restraints, notifier: notifier}
}

func (*ResourceConstraint) Type() string               { return "RESOURCE_CONSTRAINT" }
func (*ResourceConstraint) Mode() domain.ExecutionMode { return domain.ModeAsync }

// ExecuteAsync implements processor.AsyncStep
func (s *ResourceConstraint) ExecuteAsync(ctx context.Context, inv processor.Invocation) (*domain.AsyncExecutableResponse, error) {
	req, err := s.request(inv)
	if err != nil {
		return nil, err
	}

	inst, err := s.restraints.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}

	switch inst.State {
	case domain.RestraintActive:
		err = s.notifier.Notify(ctx, inst.ID, domain.ResponseData{
			NodeExecutionID: inv.Node.ID,
			Status:          domain.StatusSucceeded,
			Data:            map[string]interface{}{"state": string(inst.State)},
		})
	case domain.RestraintRejected:
		err = s.notifier.Notify(ctx, inst.ID, domain.ResponseData{
			NodeExecutionID: inv.Node.ID,
			Status:          domain.StatusFailed,
			Data:            map[string]interface{}{"state": string(inst.State)},
			Error:           fmt.Sprintf("%d permits exceed the capacity of %s", req.Permits, req.ResourceUnit),
		})
	}
	if err != nil {
		return nil, err
	}

	return &domain.AsyncExecutableResponse{
		CallbackIDs: []string{inst.ID},
		Status:      domain.StatusResourceWaiting,
		Data: map[string]string{
			"instance_id":       inst.ID,
			"resource_unit":     inst.ResourceUnit,
			"release_entity_id": inst.ReleaseEntityID,
			"state":             string(inst.State),
		},
	}, nil
}

// HandleAsyncResponse implements processor.AsyncStep
func (s *ResourceConstraint) HandleAsyncResponse(ctx context.Context, inv processor.Invocation, responses map[string]domain.ResponseData) (*domain.StepResponse, error) {
	for id, r := range responses {
		switch r.Status {
		case domain.StatusSucceeded:
			return &domain.StepResponse{
				Status:   domain.StatusSucceeded,
				Outcomes: map[string]interface{}{"instance_id": id},
			}, nil
		case domain.StatusExpired:
			return &domain.StepResponse{
				Status:      domain.StatusExpired,
				FailureInfo: &domain.FailureInfo{Message: r.Error, FailureType: domain.FailureTypeTimeout},
			}, nil
		default:
			return &domain.StepResponse{
				Status:      domain.StatusFailed,
				FailureInfo: &domain.FailureInfo{Message: r.Error, FailureType: domain.FailureTypeApplication},
			}, nil
		}
	}
	return nil, errors.New("resource constraint resumed without a response")
}

// HandleAbort implements processor.AsyncStep by withdrawing queued
// requests. Granted permits are released with their release entity.
func (s *ResourceConstraint) HandleAbort(ctx context.Context, inv processor.Invocation, resp *domain.AsyncExecutableResponse) error {
	var errs []error
	for _, id := range resp.CallbackIDs {
		if err := s.restraints.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *ResourceConstraint) request(inv processor.Invocation) (restraint.AcquireRequest, error) {
	params := inv.Parameters()
	node := inv.Node

	restraintID := stringParam(params, "restraint")
	if restraintID == "" {
		return restraint.AcquireRequest{}, errors.New("resource constraint requires a restraint parameter")
	}
	unit := stringParam(params, "resource_unit")
	if unit == "" {
		unit = restraintID
	}
	scope := domain.HoldingScope(stringParam(params, "scope"))
	if scope == "" {
		scope = domain.ScopePipeline
	}
	entity, err := ReleaseEntity(scope, node)
	if err != nil {
		return restraint.AcquireRequest{}, err
	}
	permits, err := intParam(params, "permits")
	if err != nil {
		return restraint.AcquireRequest{}, err
	}
	priority, err := intParam(params, "priority")
	if err != nil {
		return restraint.AcquireRequest{}, err
	}
	timeout, err := durationParam(params, "timeout")
	if err != nil {
		return restraint.AcquireRequest{}, err
	}

	return restraint.AcquireRequest{
		RestraintID:     restraintID,
		ResourceUnit:    unit,
		Scope:           scope,
		ReleaseEntityID: entity,
		AcquireMode:     domain.AcquireMode(stringParam(params, "acquire_mode")),
		Permits:         permits,
		Priority:        priority,
		NodeExecutionID: node.ID,
		PlanExecutionID: node.PlanExecutionID,
		Timeout:         timeout,
	}, nil
}

// ReleaseEntity returns the execution whose conclusion releases permits
// held at scope: the plan execution, the enclosing stage or the parent
// step
func ReleaseEntity(scope domain.HoldingScope, node *domain.NodeExecution) (string, error) {
	switch scope {
	case domain.ScopePipeline:
		return node.PlanExecutionID, nil
	case domain.ScopeStage:
		if id := node.Ambiance.StageExecutionID(); id != "" {
			return id, nil
		}
		return "", errors.New("stage scoped restraint must run inside a stage")
	case domain.ScopeStep:
		if node.ParentID != "" {
			return node.ParentID, nil
		}
		return node.ID, nil
	}
	return "", fmt.Errorf("unknown holding scope %q", scope)
}
