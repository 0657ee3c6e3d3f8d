package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/pipengine/internal/application/barrier"
	"github.com/aescanero/pipengine/internal/application/concurrency"
	"github.com/aescanero/pipengine/internal/application/events"
	"github.com/aescanero/pipengine/internal/application/processor"
	"github.com/aescanero/pipengine/internal/application/restraint"
	"github.com/aescanero/pipengine/internal/application/waitnotify"
	"github.com/aescanero/pipengine/internal/telemetry"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CallbackResumeNode is the wait callback kind that resumes a node
const CallbackResumeNode = "resume_node"

// Dependencies are the services the engine drives. Transport and Tasks are
// optional: without a transport nodes start inline.
type Dependencies struct {
	Store      ports.Store
	Locker     ports.Locker
	Registry   *processor.Registry
	Waits      *waitnotify.Engine
	Barriers   *barrier.Service
	Restraints *restraint.Service
	Events     *events.Bus
	Transport  ports.EventBus
	Tasks      ports.TaskExecutor
	Metrics    ports.MetricsCollector
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

// Config holds engine timing
type Config struct {
	Concurrency     concurrency.Config
	MonitorInterval time.Duration
}

// DefaultConfig returns the default engine timing
func DefaultConfig() Config {
	return Config{
		Concurrency:     concurrency.DefaultConfig(),
		MonitorInterval: 10 * time.Second,
	}
}

// Engine coordinates plan executions
type Engine struct {
	store       ports.Store
	processor   *processor.Processor
	validator   *Validator
	waits       *waitnotify.Engine
	barriers    *barrier.Service
	restraints  *restraint.Service
	coordinator *concurrency.Coordinator
	events      *events.Bus
	transport   ports.EventBus
	tracer      trace.Tracer
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewEngine creates an engine and registers its wait callback
func NewEngine(deps Dependencies, cfg Config) *Engine {
	e := &Engine{
		store:      deps.Store,
		waits:      deps.Waits,
		barriers:   deps.Barriers,
		restraints: deps.Restraints,
		events:     deps.Events,
		transport:  deps.Transport,
		tracer:     deps.Tracer,
		cfg:        cfg,
		logger:     deps.Logger,
		now:        time.Now,
	}
	if e.tracer == nil {
		e.tracer = telemetry.NoopTracer()
	}
	e.processor = processor.New(deps.Registry, e, deps.Tasks, deps.Logger)
	e.validator = NewValidator(e.processor)
	e.coordinator = concurrency.NewCoordinator(deps.Store, deps.Locker, e, deps.Metrics, cfg.Concurrency, deps.Logger)

	e.waits.Handle(CallbackResumeNode, func(ctx context.Context, spec domain.CallbackSpec, responses map[string]domain.ResponseData) error {
		return e.ResumeNode(ctx, spec.NodeExecutionID, responses)
	})
	return e
}

// Validator returns the plan validator
func (e *Engine) Validator() *Validator {
	return e.validator
}

// StartPlan validates and starts a plan execution
func (e *Engine) StartPlan(ctx context.Context, plan *domain.Plan, inputs map[string]interface{}) (*domain.PlanExecution, error) {
	if err := e.validator.Validate(plan); err != nil {
		e.logger.Error("plan validation failed",
			zap.String("plan_id", planID(plan)),
			zap.Error(err))
		return nil, err
	}

	now := e.now()
	pe := &domain.PlanExecution{
		ID:        uuid.NewString(),
		Plan:      plan,
		Status:    domain.StatusRunning,
		Inputs:    inputs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.SavePlanExecution(ctx, pe); err != nil {
		return nil, fmt.Errorf("failed to save plan execution: %w", err)
	}
	if err := e.barriers.Register(ctx, pe.ID, plan.Barriers); err != nil {
		return nil, err
	}

	e.events.Publish(ctx, domain.OrchestrationEvent{
		ID:              uuid.NewString(),
		Type:            domain.EventOrchestrationStart,
		PlanExecutionID: pe.ID,
		Status:          pe.Status,
		Timestamp:       now,
	})

	e.logger.Info("plan execution started",
		zap.String("plan_execution_id", pe.ID),
		zap.String("plan_id", plan.ID))

	planNode, _ := plan.Node(plan.StartingNodeID)
	root := domain.Ambiance{
		PlanExecutionID:   pe.ID,
		SetupAbstractions: map[string]string{"plan_id": plan.ID},
	}
	node, err := e.createNode(ctx, pe, planNode, root, "", "", "")
	if err != nil {
		return pe, err
	}
	return pe, e.dispatch(ctx, node)
}

// HandleMessage processes one transport message. Redelivered messages are
// harmless: starts of non-QUEUED nodes and repeated notifications are
// ignored.
func (e *Engine) HandleMessage(ctx context.Context, event ports.Event) error {
	switch event.Type {
	case ports.EventTypeStartNode:
		return e.StartNode(ctx, event.NodeID)
	case ports.EventTypeNotify, ports.EventTypeTaskResponded:
		resp, err := ports.ResponseFromEvent(event)
		if err != nil {
			return err
		}
		return e.waits.Notify(ctx, resp.CorrelationID, resp)
	default:
		e.logger.Debug("ignoring transport message",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		return nil
	}
}

// Notify delivers a response to whatever waits on correlationID
func (e *Engine) Notify(ctx context.Context, correlationID string, resp domain.ResponseData) error {
	return e.waits.Notify(ctx, correlationID, resp)
}

// PlanExecution loads a plan execution
func (e *Engine) PlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error) {
	return e.store.GetPlanExecution(ctx, id)
}

// NodeExecution loads a node execution
func (e *Engine) NodeExecution(ctx context.Context, id string) (*domain.NodeExecution, error) {
	return e.store.GetNodeExecution(ctx, id)
}

// NodeExecutions lists the node executions of a plan execution
func (e *Engine) NodeExecutions(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	if _, err := e.store.GetPlanExecution(ctx, planExecutionID); err != nil {
		return nil, err
	}
	return e.store.FindByPlanExecution(ctx, planExecutionID)
}

// Barrier loads the barrier instance of a plan execution
func (e *Engine) Barrier(ctx context.Context, planExecutionID, identifier string) (*domain.BarrierExecutionInstance, error) {
	return e.barriers.Get(ctx, domain.BarrierInstanceID(planExecutionID, identifier))
}

// endPlan concludes the plan once every top level sequence has ended
func (e *Engine) endPlan(ctx context.Context, planExecutionID string) error {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if pe.Status.IsTerminal() {
		return nil
	}

	nodes, err := e.store.FindByPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	var statuses []domain.Status
	for _, n := range nodes {
		if n.ParentID == "" && len(n.RetryIDs) == 0 {
			statuses = append(statuses, n.Status)
		}
	}
	status := domain.AggregateStatus(statuses)
	if !status.IsTerminal() {
		return nil
	}
	if err := domain.CheckPlanTransition(pe.Status, status); err != nil {
		return err
	}

	ended, err := e.store.UpdatePlanStatus(ctx, planExecutionID, pe.Status, status)
	if errors.Is(err, domain.ErrStatusConflict) {
		e.logger.Debug("plan already moved on",
			zap.String("plan_execution_id", planExecutionID))
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.restraints.Release(ctx, planExecutionID); err != nil {
		e.logger.Error("failed to release plan restraints",
			zap.String("plan_execution_id", planExecutionID),
			zap.Error(err))
	}

	var duration time.Duration
	if ended.EndedAt != nil {
		duration = ended.EndedAt.Sub(ended.CreatedAt)
	}
	e.events.Publish(ctx, domain.OrchestrationEvent{
		ID:              uuid.NewString(),
		Type:            domain.EventOrchestrationEnd,
		PlanExecutionID: planExecutionID,
		Status:          status,
		PreviousStatus:  pe.Status,
		Duration:        duration,
		Timestamp:       e.now(),
	})

	e.logger.Info("plan execution ended",
		zap.String("plan_execution_id", planExecutionID),
		zap.String("status", string(status)),
		zap.Duration("duration", duration))
	return nil
}

func planID(plan *domain.Plan) string {
	if plan == nil {
		return ""
	}
	return plan.ID
}
