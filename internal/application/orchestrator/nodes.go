package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/pipengine/internal/application/processor"
	"github.com/aescanero/pipengine/internal/telemetry"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// createNode saves a QUEUED execution of planNode below base. An empty
// branchID makes the node the head of a new branch.
func (e *Engine) createNode(ctx context.Context, pe *domain.PlanExecution, planNode *domain.PlanNode, base domain.Ambiance, parentID, previousID, branchID string) (*domain.NodeExecution, error) {
	return e.createNodeWithID(ctx, uuid.NewString(), pe, planNode, base, parentID, previousID, branchID)
}

func (e *Engine) createNodeWithID(ctx context.Context, id string, pe *domain.PlanExecution, planNode *domain.PlanNode, base domain.Ambiance, parentID, previousID, branchID string) (*domain.NodeExecution, error) {
	mode, err := e.processor.ResolveMode(planNode)
	if err != nil {
		return nil, err
	}

	if branchID == "" {
		branchID = id
	}
	ambiance := base.WithLevel(domain.Level{
		SetupID:    planNode.ID,
		RuntimeID:  id,
		Identifier: planNode.Identifier,
		StepType:   planNode.StepType,
		Group:      planNode.Group,
	})

	now := e.now()
	node := &domain.NodeExecution{
		ID:               id,
		ParentID:         parentID,
		PreviousID:       previousID,
		BranchID:         branchID,
		PlanExecutionID:  pe.ID,
		StageExecutionID: ambiance.StageExecutionID(),
		NodeID:           planNode.ID,
		Identifier:       planNode.Identifier,
		Name:             planNode.Name,
		StepType:         planNode.StepType,
		Mode:             mode,
		Status:           domain.StatusQueued,
		Ambiance:         ambiance,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.SaveNodeExecution(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to save node execution: %w", err)
	}

	e.logger.Debug("node execution created",
		zap.String("node_execution_id", id),
		zap.String("plan_execution_id", pe.ID),
		zap.String("node_id", planNode.ID),
		zap.String("parent_id", parentID))
	return node, nil
}

// parentAmbiance is the ambiance a sibling of node is created under
func parentAmbiance(node *domain.NodeExecution) domain.Ambiance {
	base := node.Ambiance.Clone()
	if len(base.Levels) > 0 {
		base.Levels = base.Levels[:len(base.Levels)-1]
	}
	return base
}

// dispatch hands a QUEUED node to a worker. Without a transport, or when
// the transport refuses the message, the node starts inline.
func (e *Engine) dispatch(ctx context.Context, node *domain.NodeExecution) error {
	if e.transport != nil {
		err := e.transport.Publish(ctx, ports.TopicNodeEvents, ports.NewStartNodeEvent(node.PlanExecutionID, node.ID))
		if err == nil {
			return nil
		}
		e.logger.Warn("failed to publish node start, starting inline",
			zap.String("node_execution_id", node.ID),
			zap.Error(err))
	}
	return e.StartNode(ctx, node.ID)
}

// StartNode moves a QUEUED node to RUNNING and runs its step. Nodes that
// are no longer QUEUED are left alone.
func (e *Engine) StartNode(ctx context.Context, nodeExecutionID string) error {
	node, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if node.NeedsSettlement() {
		return e.settle(ctx, node)
	}
	if node.Status != domain.StatusQueued {
		e.logger.Debug("node execution already started",
			zap.String("node_execution_id", node.ID),
			zap.String("status", string(node.Status)))
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, e.tracer, "orchestrator.start_node", nodeAttributes(node)...)
	defer span.End()

	pe, planNode, err := e.planNode(ctx, node)
	if err != nil {
		telemetry.SetError(span, err)
		return e.failNode(ctx, node.ID, err)
	}

	now := e.now()
	running, err := e.transition(ctx, node, domain.StatusRunning, func(n *domain.NodeExecution) {
		n.StartedAt = &now
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		telemetry.SetError(span, err)
		return err
	}

	if err := e.processor.Start(ctx, e.invocation(pe, planNode, running)); err != nil {
		telemetry.SetError(span, err)
		return e.failNode(ctx, node.ID, err)
	}
	return nil
}

// ResumeNode delivers the responses a suspended node waited for
func (e *Engine) ResumeNode(ctx context.Context, nodeExecutionID string, responses map[string]domain.ResponseData) error {
	node, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if node.NeedsSettlement() {
		return e.settle(ctx, node)
	}
	if !node.Status.IsResumable() {
		e.logger.Debug("ignoring resume of node that cannot resume",
			zap.String("node_execution_id", node.ID),
			zap.String("status", string(node.Status)))
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, e.tracer, "orchestrator.resume_node", nodeAttributes(node)...)
	defer span.End()

	if node.Status != domain.StatusRunning {
		node, err = e.transition(ctx, node, domain.StatusRunning, nil)
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		if err != nil {
			telemetry.SetError(span, err)
			return err
		}
	}

	pe, planNode, err := e.planNode(ctx, node)
	if err != nil {
		telemetry.SetError(span, err)
		return e.failNode(ctx, node.ID, err)
	}
	if err := e.processor.Resume(ctx, e.invocation(pe, planNode, node), responses); err != nil {
		telemetry.SetError(span, err)
		return e.failNode(ctx, node.ID, err)
	}
	return nil
}

// Suspend implements processor.Host
func (e *Engine) Suspend(ctx context.Context, node *domain.NodeExecution, waiting domain.Status, resp domain.ExecutableResponse) (*domain.NodeExecution, error) {
	if node.Status == waiting {
		return e.store.UpdateNodeExecution(ctx, node.ID, func(n *domain.NodeExecution) error {
			if n.Status != waiting {
				return fmt.Errorf("%w: node %s is %s, expected %s", domain.ErrStatusConflict, n.ID, n.Status, waiting)
			}
			n.ExecutableResponses = append(n.ExecutableResponses, resp)
			return nil
		})
	}
	return e.transition(ctx, node, waiting, func(n *domain.NodeExecution) {
		n.ExecutableResponses = append(n.ExecutableResponses, resp)
	})
}

// Await implements processor.Host
func (e *Engine) Await(ctx context.Context, node *domain.NodeExecution, correlationIDs ...string) error {
	_, err := e.waits.WaitForAll(ctx, node.ID, domain.CallbackSpec{
		Kind:            CallbackResumeNode,
		NodeExecutionID: node.ID,
	}, correlationIDs...)
	return err
}

// Conclude implements processor.Host
func (e *Engine) Conclude(ctx context.Context, node *domain.NodeExecution, resp *domain.StepResponse) error {
	current, err := e.store.GetNodeExecution(ctx, node.ID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() || current.Status == domain.StatusDiscontinuing {
		e.logger.Debug("node execution already concluding",
			zap.String("node_execution_id", current.ID),
			zap.String("status", string(current.Status)))
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, e.tracer, "orchestrator.conclude_node",
		append(nodeAttributes(current), attribute.String(telemetry.StatusKey, string(resp.Status)))...)
	defer span.End()

	now := e.now()
	concluded, err := e.transition(ctx, current, resp.Status, func(n *domain.NodeExecution) {
		n.Outcomes = resp.Outcomes
		n.FailureInfo = resp.FailureInfo
		n.EndedAt = &now
		n.Settlement = &domain.Settlement{}
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		telemetry.SetError(span, err)
		return err
	}

	return e.settle(ctx, concluded)
}

// CreateChildren implements processor.Host
func (e *Engine) CreateChildren(ctx context.Context, parent *domain.NodeExecution, planNodeIDs []string) ([]*domain.NodeExecution, error) {
	pe, err := e.store.GetPlanExecution(ctx, parent.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	children := make([]*domain.NodeExecution, 0, len(planNodeIDs))
	for _, id := range planNodeIDs {
		planNode, ok := pe.Plan.Node(id)
		if !ok {
			return nil, fmt.Errorf("child node %s not found in plan %s", id, pe.Plan.ID)
		}
		child, err := e.createNode(ctx, pe, planNode, parent.Ambiance, parent.ID, "", "")
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// StartChildren implements processor.Host
func (e *Engine) StartChildren(ctx context.Context, parent *domain.NodeExecution, childIDs []string, maxConcurrency int) error {
	return e.coordinator.Start(ctx, parent.ID, childIDs, maxConcurrency)
}

// ChildStatuses implements processor.Host. Each branch reports the
// aggregate of its nodes, retried attempts excluded.
func (e *Engine) ChildStatuses(ctx context.Context, parent *domain.NodeExecution) (map[string]domain.Status, error) {
	children, err := e.store.FindChildren(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	branches := make(map[string][]domain.Status)
	for _, c := range children {
		if len(c.RetryIDs) > 0 {
			continue
		}
		branches[c.BranchID] = append(branches[c.BranchID], c.Status)
	}
	out := make(map[string]domain.Status, len(branches))
	for id, statuses := range branches {
		out[id] = domain.AggregateStatus(statuses)
	}
	return out, nil
}

// StartChild implements concurrency.Starter
func (e *Engine) StartChild(ctx context.Context, childID string) error {
	child, err := e.store.GetNodeExecution(ctx, childID, domain.FieldPlanExecutionID)
	if err != nil {
		return err
	}
	return e.dispatch(ctx, child)
}

// ErrorChild implements concurrency.Starter
func (e *Engine) ErrorChild(ctx context.Context, childID string, info domain.FailureInfo) error {
	child, err := e.store.GetNodeExecution(ctx, childID)
	if err != nil {
		return err
	}
	return e.Conclude(ctx, child, &domain.StepResponse{
		Status:      domain.StatusErrored,
		FailureInfo: &info,
	})
}

// failNode errors a node whose step could not run. A node that already
// concluded keeps its status and cause is returned, so the delivery that
// ran it fails and is retried.
func (e *Engine) failNode(ctx context.Context, nodeExecutionID string, cause error) error {
	e.logger.Error("node execution failed",
		zap.String("node_execution_id", nodeExecutionID),
		zap.Error(cause))

	node, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return errors.Join(cause, err)
	}
	if node.Status.IsTerminal() {
		return cause
	}
	return e.Conclude(ctx, node, &domain.StepResponse{
		Status: domain.StatusErrored,
		FailureInfo: &domain.FailureInfo{
			Message:     cause.Error(),
			FailureType: domain.FailureTypeEngine,
		},
	})
}

// settle parks a broke node that asks for intervention and otherwise
// applies its settlement
func (e *Engine) settle(ctx context.Context, node *domain.NodeExecution) error {
	if node.Status.IsBroke() {
		_, planNode, err := e.planNode(ctx, node)
		if err == nil && planNode.InterventionOnFailure {
			return e.awaitIntervention(ctx, node)
		}
	}
	return e.afterConclusion(ctx, node)
}

// afterConclusion releases what the node held and moves its sequence on.
// Every step can run again: the settlement is only marked done when all
// of them succeeded.
func (e *Engine) afterConclusion(ctx context.Context, node *domain.NodeExecution) error {
	var errs []error
	if _, err := e.waits.Discard(ctx, node.ID); err != nil {
		errs = append(errs, err)
	}
	if err := e.restraints.Release(ctx, node.ID); err != nil {
		errs = append(errs, fmt.Errorf("release restraints of %s: %w", node.ID, err))
	}
	if node.Mode == domain.ModeChild || node.Mode == domain.ModeChildren || node.Mode == domain.ModeChildChain {
		if err := e.coordinator.Cleanup(ctx, node.ID); err != nil {
			errs = append(errs, err)
		}
	}

	advanced := false
	if node.Status.IsPositive() {
		pe, planNode, err := e.planNode(ctx, node)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		if planNode.NextID != "" {
			errs = append(errs, e.startNext(ctx, pe, node, planNode.NextID))
			advanced = true
		}
	}
	if !advanced {
		errs = append(errs, e.endBranch(ctx, node))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return e.updateSettlement(ctx, node, func(s *domain.Settlement) { s.Done = true })
}

func (e *Engine) updateSettlement(ctx context.Context, node *domain.NodeExecution, mutate func(*domain.Settlement)) error {
	_, err := e.store.UpdateNodeExecution(ctx, node.ID, func(n *domain.NodeExecution) error {
		if n.Settlement == nil {
			n.Settlement = &domain.Settlement{}
		}
		mutate(n.Settlement)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record settlement of %s: %w", node.ID, err)
	}
	return nil
}

// successorID derives the id of the node following previous in its
// sequence, so settling previous twice finds the same successor
func successorID(previous *domain.NodeExecution) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("successor:"+previous.ID)).String()
}

func (e *Engine) startNext(ctx context.Context, pe *domain.PlanExecution, previous *domain.NodeExecution, nextID string) error {
	planNode, ok := pe.Plan.Node(nextID)
	if !ok {
		return fmt.Errorf("next node %s not found in plan %s", nextID, pe.Plan.ID)
	}

	id := successorID(previous)
	next, err := e.store.GetNodeExecution(ctx, id, domain.FieldPlanExecutionID, domain.FieldStatus)
	switch {
	case err == nil:
		if next.Status != domain.StatusQueued {
			return nil
		}
	case errors.Is(err, domain.ErrNodeExecutionNotFound):
		next, err = e.createNodeWithID(ctx, id, pe, planNode, parentAmbiance(previous), previous.ParentID, previous.ID, previous.BranchID)
		if err != nil {
			return err
		}
	default:
		return err
	}
	return e.dispatch(ctx, next)
}

// endBranch reports the end of node's sequence to its parent, or ends the
// plan for top level sequences
func (e *Engine) endBranch(ctx context.Context, node *domain.NodeExecution) error {
	if node.ParentID == "" {
		return e.endPlan(ctx, node.PlanExecutionID)
	}

	parent, err := e.store.GetNodeExecution(ctx, node.ParentID, domain.FieldStatus)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() || parent.Status == domain.StatusDiscontinuing {
		e.logger.Debug("parent no longer waiting for branch",
			zap.String("parent_id", node.ParentID),
			zap.String("branch_id", node.BranchID),
			zap.String("parent_status", string(parent.Status)))
		return nil
	}

	var errs []error
	notified := node.Settlement != nil && node.Settlement.ParentNotified
	if !notified && (node.FailureInfo == nil || node.FailureInfo.FailureType != domain.FailureTypeUnknownParent) {
		var notifyErr error
		if node.Status.IsBroke() {
			notifyErr = e.coordinator.NotifyError(ctx, node.ParentID, node.BranchID, errors.New(failureMessage(node)))
		} else {
			notifyErr = e.coordinator.Notify(ctx, node.ParentID, node.BranchID)
		}
		// a missing instance has no cursor left to move
		if notifyErr != nil && !errors.Is(notifyErr, domain.ErrMissingConcurrencyState) {
			return notifyErr
		}
		errs = append(errs, notifyErr)

		// the coordinator cursor moves on every notification
		if err := e.updateSettlement(ctx, node, func(s *domain.Settlement) { s.ParentNotified = true }); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}

	resp := domain.ResponseData{
		NodeExecutionID: node.ID,
		Status:          node.Status,
	}
	if node.Status.IsBroke() {
		resp.Error = failureMessage(node)
	}
	errs = append(errs, e.waits.Notify(ctx, node.BranchID, resp))
	return errors.Join(errs...)
}

// transition moves node to status to, checking the status model first
func (e *Engine) transition(ctx context.Context, node *domain.NodeExecution, to domain.Status, mutate func(*domain.NodeExecution)) (*domain.NodeExecution, error) {
	if err := domain.CheckTransition(node.Status, to); err != nil {
		return nil, err
	}
	updated, err := e.store.UpdateNodeStatus(ctx, node.ID, node.Status, to, mutate)
	if err != nil {
		return nil, err
	}
	e.publishNodeStatus(ctx, updated, node.Status)
	return updated, nil
}

func (e *Engine) publishNodeStatus(ctx context.Context, node *domain.NodeExecution, previous domain.Status) {
	ambiance := node.Ambiance.Clone()
	event := domain.OrchestrationEvent{
		ID:              uuid.NewString(),
		Type:            domain.EventNodeExecutionStatusUpdate,
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: node.ID,
		StepType:        node.StepType,
		Status:          node.Status,
		PreviousStatus:  previous,
		Ambiance:        &ambiance,
		Timestamp:       e.now(),
	}
	if node.Status.IsTerminal() && node.StartedAt != nil && node.EndedAt != nil {
		event.Duration = node.EndedAt.Sub(*node.StartedAt)
	}
	e.events.PublishAsync(ctx, event)
}

func (e *Engine) planNode(ctx context.Context, node *domain.NodeExecution) (*domain.PlanExecution, *domain.PlanNode, error) {
	pe, err := e.store.GetPlanExecution(ctx, node.PlanExecutionID)
	if err != nil {
		return nil, nil, err
	}
	planNode, ok := pe.Plan.Node(node.NodeID)
	if !ok {
		return nil, nil, fmt.Errorf("node %s not found in plan %s", node.NodeID, pe.Plan.ID)
	}
	return pe, planNode, nil
}

func (e *Engine) invocation(pe *domain.PlanExecution, planNode *domain.PlanNode, node *domain.NodeExecution) processor.Invocation {
	return processor.Invocation{
		Node:       node,
		PlanNode:   planNode,
		PlanInputs: pe.Inputs,
	}
}

func nodeAttributes(node *domain.NodeExecution) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(telemetry.PlanExecutionIDKey, node.PlanExecutionID),
		attribute.String(telemetry.NodeExecutionIDKey, node.ID),
		attribute.String(telemetry.StepTypeKey, node.StepType),
		attribute.String(telemetry.ModeKey, string(node.Mode)),
	}
}

func failureMessage(node *domain.NodeExecution) string {
	if node.FailureInfo != nil && node.FailureInfo.Message != "" {
		return node.FailureInfo.Message
	}
	return "node execution " + node.ID + " ended " + string(node.Status)
}
