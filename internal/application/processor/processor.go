package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Host is the engine side of the processor
type Host interface {
	// Suspend records resp on the node and moves it to waiting
	Suspend(ctx context.Context, node *domain.NodeExecution, waiting domain.Status, resp domain.ExecutableResponse) (*domain.NodeExecution, error)

	// Await resumes node once every correlation id has been notified
	Await(ctx context.Context, node *domain.NodeExecution, correlationIDs ...string) error

	// Conclude finishes node with resp
	Conclude(ctx context.Context, node *domain.NodeExecution, resp *domain.StepResponse) error

	// CreateChildren creates QUEUED child executions of parent for the
	// given plan nodes
	CreateChildren(ctx context.Context, parent *domain.NodeExecution, planNodeIDs []string) ([]*domain.NodeExecution, error)

	// StartChildren starts created children, at most maxConcurrency at a
	// time when maxConcurrency is positive
	StartChildren(ctx context.Context, parent *domain.NodeExecution, childIDs []string, maxConcurrency int) error

	// ChildStatuses returns the outcome of every child branch of parent
	ChildStatuses(ctx context.Context, parent *domain.NodeExecution) (map[string]domain.Status, error)
}

type (
	startFunc  func(ctx context.Context, step Step, inv Invocation) error
	resumeFunc func(ctx context.Context, step Step, inv Invocation, responses map[string]domain.ResponseData) error
	abortFunc  func(ctx context.Context, step Step, inv Invocation) error
)

// strategy is one row of the dispatch table
type strategy struct {
	start  startFunc
	resume resumeFunc
	abort  abortFunc
}

// Processor runs steps according to their execution mode
type Processor struct {
	registry   *Registry
	host       Host
	tasks      ports.TaskExecutor
	logger     *zap.Logger
	strategies map[domain.ExecutionMode]strategy
}

// New creates a processor. tasks may be nil when no step uses TASK mode.
func New(registry *Registry, host Host, tasks ports.TaskExecutor, logger *zap.Logger) *Processor {
	p := &Processor{
		registry: registry,
		host:     host,
		tasks:    tasks,
		logger:   logger,
	}
	p.strategies = map[domain.ExecutionMode]strategy{
		domain.ModeSync:       {start: p.startSync},
		domain.ModeAsync:      {start: p.startAsync, resume: p.resumeAsync, abort: p.abortAsync},
		domain.ModeChild:      {start: p.startChild, resume: p.resumeChild},
		domain.ModeChildren:   {start: p.startChildren, resume: p.resumeChildren},
		domain.ModeChildChain: {start: p.startChain, resume: p.resumeChain},
		domain.ModeTask:       {start: p.startTask, resume: p.resumeTask, abort: p.abortTask},
	}
	return p
}

// Registry returns the step registry
func (p *Processor) Registry() *Registry {
	return p.registry
}

// ResolveMode returns the mode a plan node runs in: its own mode when set,
// otherwise the default mode of its step
func (p *Processor) ResolveMode(node *domain.PlanNode) (domain.ExecutionMode, error) {
	step, err := p.registry.Get(node.StepType)
	if err != nil {
		return "", err
	}
	mode := node.Mode
	if mode == "" {
		mode = step.Mode()
	}
	if !Supports(step, mode) {
		return "", fmt.Errorf("%w: step %s cannot run as %s", domain.ErrUnsupportedMode, node.StepType, mode)
	}
	return mode, nil
}

// Start dispatches a RUNNING node to its step
func (p *Processor) Start(ctx context.Context, inv Invocation) error {
	step, strat, err := p.resolve(inv.Node)
	if err != nil {
		return err
	}

	p.logger.Debug("dispatching step",
		zap.String("node_execution_id", inv.Node.ID),
		zap.String("step_type", inv.Node.StepType),
		zap.String("mode", string(inv.Node.Mode)))

	return strat.start(ctx, step, inv)
}

// Resume delivers the notified responses to a suspended node
func (p *Processor) Resume(ctx context.Context, inv Invocation, responses map[string]domain.ResponseData) error {
	step, strat, err := p.resolve(inv.Node)
	if err != nil {
		return err
	}
	if strat.resume == nil {
		return fmt.Errorf("%w: %s nodes cannot be resumed", domain.ErrUnsupportedMode, inv.Node.Mode)
	}
	return strat.resume(ctx, step, inv, responses)
}

// Abort routes an abort to the mode of the node. Modes without external
// work to cancel do nothing.
func (p *Processor) Abort(ctx context.Context, inv Invocation) error {
	step, strat, err := p.resolve(inv.Node)
	if err != nil {
		return err
	}
	if strat.abort == nil {
		return nil
	}
	return strat.abort(ctx, step, inv)
}

func (p *Processor) resolve(node *domain.NodeExecution) (Step, strategy, error) {
	step, err := p.registry.Get(node.StepType)
	if err != nil {
		return nil, strategy{}, err
	}
	strat, ok := p.strategies[node.Mode]
	if !ok || !Supports(step, node.Mode) {
		return nil, strategy{}, fmt.Errorf("%w: step %s cannot run as %q", domain.ErrUnsupportedMode, node.StepType, node.Mode)
	}
	return step, strat, nil
}

func (p *Processor) startSync(ctx context.Context, step Step, inv Invocation) error {
	resp, err := step.(SyncStep).ExecuteSync(ctx, inv)
	if err != nil {
		return err
	}
	return p.conclude(ctx, inv.Node, resp)
}

func (p *Processor) startAsync(ctx context.Context, step Step, inv Invocation) error {
	r, err := step.(AsyncStep).ExecuteAsync(ctx, inv)
	if err != nil {
		return err
	}
	if r == nil || len(r.CallbackIDs) == 0 {
		return fmt.Errorf("async step %s returned no callback ids", inv.Node.StepType)
	}

	waiting := r.Status
	if waiting == "" {
		waiting = domain.ModeAsync.WaitingStatus()
	}
	node, err := p.host.Suspend(ctx, inv.Node, waiting, domain.ExecutableResponse{Async: r})
	if err != nil {
		return err
	}
	return p.host.Await(ctx, node, r.CallbackIDs...)
}

func (p *Processor) resumeAsync(ctx context.Context, step Step, inv Invocation, responses map[string]domain.ResponseData) error {
	resp, err := step.(AsyncStep).HandleAsyncResponse(ctx, inv, responses)
	if err != nil {
		return err
	}
	return p.conclude(ctx, inv.Node, resp)
}

func (p *Processor) abortAsync(ctx context.Context, step Step, inv Invocation) error {
	latest, ok := inv.Node.LatestExecutableResponse()
	if !ok || latest.Async == nil {
		return nil
	}
	return step.(AsyncStep).HandleAbort(ctx, inv, latest.Async)
}

func (p *Processor) startChild(ctx context.Context, step Step, inv Invocation) error {
	r, err := step.(ChildStep).ObtainChild(ctx, inv)
	if err != nil {
		return err
	}
	if r == nil || r.ChildNodeID == "" {
		return fmt.Errorf("child step %s returned no child", inv.Node.StepType)
	}
	return p.spawn(ctx, inv.Node, []string{r.ChildNodeID}, 0, domain.ExecutableResponse{Child: r})
}

func (p *Processor) resumeChild(ctx context.Context, step Step, inv Invocation, responses map[string]domain.ResponseData) error {
	resp, err := step.(ChildStep).HandleChildResponse(ctx, inv, statuses(responses))
	if err != nil {
		return err
	}
	return p.conclude(ctx, inv.Node, resp)
}

func (p *Processor) startChildren(ctx context.Context, step Step, inv Invocation) error {
	s := step.(ChildrenStep)
	r, err := s.ObtainChildren(ctx, inv)
	if err != nil {
		return err
	}
	if r == nil || len(r.ChildNodeIDs) == 0 {
		resp, err := s.HandleChildrenResponse(ctx, inv, map[string]domain.Status{})
		if err != nil {
			return err
		}
		return p.conclude(ctx, inv.Node, resp)
	}
	return p.spawn(ctx, inv.Node, r.ChildNodeIDs, r.MaxConcurrency, domain.ExecutableResponse{Children: r})
}

func (p *Processor) resumeChildren(ctx context.Context, step Step, inv Invocation, responses map[string]domain.ResponseData) error {
	resp, err := step.(ChildrenStep).HandleChildrenResponse(ctx, inv, statuses(responses))
	if err != nil {
		return err
	}
	return p.conclude(ctx, inv.Node, resp)
}

func (p *Processor) startChain(ctx context.Context, step Step, inv Invocation) error {
	s := step.(ChildChainStep)
	r, err := s.ExecuteFirstChild(ctx, inv)
	if err != nil {
		return err
	}
	return p.chainNext(ctx, s, inv, r)
}

func (p *Processor) resumeChain(ctx context.Context, step Step, inv Invocation, responses map[string]domain.ResponseData) error {
	s := step.(ChildChainStep)

	var last domain.Status
	for _, r := range responses {
		last = r.Status
	}
	var passThrough map[string]interface{}
	if latest, ok := inv.Node.LatestExecutableResponse(); ok && latest.ChildChain != nil {
		passThrough = latest.ChildChain.PassThrough
	}

	r, err := s.ExecuteNextChild(ctx, inv, last, passThrough)
	if err != nil {
		return err
	}
	return p.chainNext(ctx, s, inv, r)
}

func (p *Processor) chainNext(ctx context.Context, s ChildChainStep, inv Invocation, r *domain.ChildChainExecutableResponse) error {
	if r == nil || r.Finished || r.NextChildNodeID == "" {
		children, err := p.host.ChildStatuses(ctx, inv.Node)
		if err != nil {
			return err
		}
		resp, err := s.FinalizeExecution(ctx, inv, children)
		if err != nil {
			return err
		}
		return p.conclude(ctx, inv.Node, resp)
	}
	return p.spawn(ctx, inv.Node, []string{r.NextChildNodeID}, 0, domain.ExecutableResponse{ChildChain: r})
}

// spawn creates children, suspends the parent and waits for every child
// branch before starting them
func (p *Processor) spawn(ctx context.Context, parent *domain.NodeExecution, planNodeIDs []string, maxConcurrency int, resp domain.ExecutableResponse) error {
	children, err := p.host.CreateChildren(ctx, parent, planNodeIDs)
	if err != nil {
		return err
	}
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}

	node, err := p.host.Suspend(ctx, parent, parent.Mode.WaitingStatus(), resp)
	if err != nil {
		return err
	}
	if err := p.host.Await(ctx, node, ids...); err != nil {
		return err
	}
	return p.host.StartChildren(ctx, node, ids, maxConcurrency)
}

func (p *Processor) startTask(ctx context.Context, step Step, inv Invocation) error {
	if p.tasks == nil {
		return errors.New("no task executor configured")
	}
	req, err := step.(TaskStep).ObtainTask(ctx, inv)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("task step %s returned no task", inv.Node.StepType)
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	req.NodeExecutionID = inv.Node.ID
	req.PlanExecutionID = inv.Node.PlanExecutionID

	node, err := p.host.Suspend(ctx, inv.Node, domain.ModeTask.WaitingStatus(), domain.ExecutableResponse{
		Task: &domain.TaskExecutableResponse{TaskID: req.TaskID, TaskType: req.TaskType},
	})
	if err != nil {
		return err
	}
	if err := p.host.Await(ctx, node, req.TaskID); err != nil {
		return err
	}
	if err := p.tasks.Submit(ctx, *req); err != nil {
		return fmt.Errorf("failed to submit task %s: %w", req.TaskID, err)
	}

	p.logger.Debug("task submitted",
		zap.String("node_execution_id", inv.Node.ID),
		zap.String("task_id", req.TaskID),
		zap.String("task_type", req.TaskType))
	return nil
}

func (p *Processor) resumeTask(ctx context.Context, step Step, inv Invocation, responses map[string]domain.ResponseData) error {
	resp, err := step.(TaskStep).HandleTaskResult(ctx, inv, responses)
	if err != nil {
		return err
	}
	return p.conclude(ctx, inv.Node, resp)
}

func (p *Processor) abortTask(ctx context.Context, step Step, inv Invocation) error {
	latest, ok := inv.Node.LatestExecutableResponse()
	if !ok || latest.Task == nil || p.tasks == nil {
		return nil
	}
	return p.tasks.Abort(ctx, latest.Task.TaskID)
}

func (p *Processor) conclude(ctx context.Context, node *domain.NodeExecution, resp *domain.StepResponse) error {
	if resp == nil {
		return fmt.Errorf("step %s returned no response", node.StepType)
	}
	if !resp.Status.IsTerminal() {
		return fmt.Errorf("step %s concluded with non final status %s", node.StepType, resp.Status)
	}
	return p.host.Conclude(ctx, node, resp)
}

func statuses(responses map[string]domain.ResponseData) map[string]domain.Status {
	out := make(map[string]domain.Status, len(responses))
	for id, r := range responses {
		out[id] = r.Status
	}
	return out
}
