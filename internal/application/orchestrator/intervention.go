package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InterventionAction is a manual decision on a node waiting for
// intervention
type InterventionAction string

const (
	ActionMarkAsSuccess InterventionAction = "MARK_AS_SUCCESS"
	ActionIgnore        InterventionAction = "IGNORE"
	ActionRetry         InterventionAction = "RETRY"
	ActionAbort         InterventionAction = "ABORT"
)

// IsValid reports whether a is a known action
func (a InterventionAction) IsValid() bool {
	switch a {
	case ActionMarkAsSuccess, ActionIgnore, ActionRetry, ActionAbort:
		return true
	}
	return false
}

// ErrNotAwaitingIntervention is returned for interventions on nodes that
// are not INTERVENTION_WAITING
var ErrNotAwaitingIntervention = errors.New("node execution is not waiting for intervention")

// awaitIntervention parks a broke node until someone decides its fate
func (e *Engine) awaitIntervention(ctx context.Context, node *domain.NodeExecution) error {
	waiting, err := e.transition(ctx, node, domain.StatusInterventionWaiting, nil)
	if errors.Is(err, domain.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	ambiance := waiting.Ambiance.Clone()
	e.events.Publish(ctx, domain.OrchestrationEvent{
		ID:              uuid.NewString(),
		Type:            domain.EventInterventionWaitStart,
		PlanExecutionID: waiting.PlanExecutionID,
		NodeExecutionID: waiting.ID,
		StepType:        waiting.StepType,
		Status:          waiting.Status,
		PreviousStatus:  node.Status,
		Ambiance:        &ambiance,
		Timestamp:       e.now(),
	})

	_, err = e.store.UpdatePlanStatus(ctx, waiting.PlanExecutionID, domain.StatusRunning, domain.StatusInterventionWaiting)
	if err != nil && !errors.Is(err, domain.ErrStatusConflict) {
		return err
	}

	e.logger.Warn("node execution waiting for intervention",
		zap.String("node_execution_id", waiting.ID),
		zap.String("plan_execution_id", waiting.PlanExecutionID))
	return nil
}

// HandleIntervention applies action to a node waiting for intervention
func (e *Engine) HandleIntervention(ctx context.Context, nodeExecutionID string, action InterventionAction) error {
	if !action.IsValid() {
		return fmt.Errorf("unknown intervention action %q", action)
	}
	node, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if node.Status != domain.StatusInterventionWaiting {
		return fmt.Errorf("%w: %s is %s", ErrNotAwaitingIntervention, node.ID, node.Status)
	}

	e.logger.Info("applying intervention",
		zap.String("node_execution_id", node.ID),
		zap.String("action", string(action)))

	switch action {
	case ActionAbort:
		if err := e.AbortNode(ctx, node.ID); err != nil {
			return err
		}
		return e.resumePlan(ctx, node.PlanExecutionID)
	case ActionRetry:
		return e.retry(ctx, node)
	}

	to := domain.StatusSucceeded
	if action == ActionIgnore {
		to = domain.StatusIgnoreFailed
	}
	concluded, err := e.transition(ctx, node, to, func(n *domain.NodeExecution) {
		n.Settlement = &domain.Settlement{}
	})
	if err != nil {
		return err
	}
	if err := e.resumePlan(ctx, node.PlanExecutionID); err != nil {
		return err
	}
	return e.afterConclusion(ctx, concluded)
}

// retry replaces node with a fresh execution of the same plan node in the
// same branch
func (e *Engine) retry(ctx context.Context, node *domain.NodeExecution) error {
	pe, planNode, err := e.planNode(ctx, node)
	if err != nil {
		return err
	}
	next, err := e.createNode(ctx, pe, planNode, parentAmbiance(node), node.ParentID, node.PreviousID, node.BranchID)
	if err != nil {
		return err
	}

	if _, err := e.transition(ctx, node, domain.StatusFailed, func(n *domain.NodeExecution) {
		n.RetryIDs = append(n.RetryIDs, next.ID)
		n.Settlement = nil
	}); err != nil {
		return err
	}
	if err := e.restraints.Release(ctx, node.ID); err != nil {
		e.logger.Error("failed to release restraints of retried node",
			zap.String("node_execution_id", node.ID),
			zap.Error(err))
	}
	if err := e.resumePlan(ctx, node.PlanExecutionID); err != nil {
		return err
	}
	return e.dispatch(ctx, next)
}

// resumePlan returns the plan to RUNNING once no node waits for
// intervention any more
func (e *Engine) resumePlan(ctx context.Context, planExecutionID string) error {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if pe.Status != domain.StatusInterventionWaiting {
		return nil
	}
	nodes, err := e.store.FindByPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Status == domain.StatusInterventionWaiting {
			return nil
		}
	}
	_, err = e.store.UpdatePlanStatus(ctx, planExecutionID, domain.StatusInterventionWaiting, domain.StatusRunning)
	if errors.Is(err, domain.ErrStatusConflict) {
		return nil
	}
	return err
}
