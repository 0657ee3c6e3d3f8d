package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/pipengine/internal/telemetry"
	"github.com/aescanero/pipengine/pkg/domain"
	"go.uber.org/zap"
)

// AbortNode aborts a node execution and its unfinished children. The node
// goes through DISCONTINUING while its step cancels external work, its
// waits are discarded and its restraints released; it then ends ABORTED
// and its sequence ends.
func (e *Engine) AbortNode(ctx context.Context, nodeExecutionID string) error {
	node, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if node.Status.IsTerminal() {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, e.tracer, "orchestrator.abort_node", nodeAttributes(node)...)
	defer span.End()

	if node.Status != domain.StatusDiscontinuing {
		node, err = e.transition(ctx, node, domain.StatusDiscontinuing, nil)
		if err != nil {
			telemetry.SetError(span, err)
			return fmt.Errorf("failed to discontinue node %s: %w", nodeExecutionID, err)
		}
	}

	var errs []error
	children, err := e.store.FindChildren(ctx, node.ID)
	if err != nil {
		errs = append(errs, err)
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if err := e.AbortNode(ctx, child.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if pe, planNode, err := e.planNode(ctx, node); err != nil {
		errs = append(errs, err)
	} else if err := e.processor.Abort(ctx, e.invocation(pe, planNode, node)); err != nil {
		e.logger.Warn("step abort failed",
			zap.String("node_execution_id", node.ID),
			zap.Error(err))
	}

	if _, err := e.waits.Discard(ctx, node.ID); err != nil {
		errs = append(errs, err)
	}
	if err := e.restraints.Release(ctx, node.ID); err != nil {
		errs = append(errs, err)
	}

	now := e.now()
	aborted, err := e.transition(ctx, node, domain.StatusAborted, func(n *domain.NodeExecution) {
		n.EndedAt = &now
		n.FailureInfo = &domain.FailureInfo{Message: "node execution aborted"}
		n.Settlement = &domain.Settlement{}
	})
	if err != nil {
		telemetry.SetError(span, err)
		return errors.Join(append(errs, err)...)
	}

	e.logger.Info("node execution aborted",
		zap.String("node_execution_id", node.ID),
		zap.String("plan_execution_id", node.PlanExecutionID))

	errs = append(errs, e.afterConclusion(ctx, aborted))
	return errors.Join(errs...)
}

// AbortPlan discontinues a plan execution and aborts its top level nodes
func (e *Engine) AbortPlan(ctx context.Context, planExecutionID string) error {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if pe.Status.IsTerminal() {
		return nil
	}

	if pe.Status != domain.StatusDiscontinuing {
		if err := domain.CheckPlanTransition(pe.Status, domain.StatusDiscontinuing); err != nil {
			return err
		}
		if _, err := e.store.UpdatePlanStatus(ctx, planExecutionID, pe.Status, domain.StatusDiscontinuing); err != nil {
			return err
		}
	}

	e.logger.Info("aborting plan execution",
		zap.String("plan_execution_id", planExecutionID))

	nodes, err := e.store.FindByPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range nodes {
		if n.ParentID != "" || n.Status.IsTerminal() {
			continue
		}
		if err := e.AbortNode(ctx, n.ID); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, e.endPlan(ctx, planExecutionID))
	return errors.Join(errs...)
}
