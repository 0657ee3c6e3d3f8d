package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"go.uber.org/zap"
)

// Handler consumes orchestration events
type Handler interface {
	HandleEvent(ctx context.Context, event domain.OrchestrationEvent) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, event domain.OrchestrationEvent) error

// HandleEvent calls f
func (f HandlerFunc) HandleEvent(ctx context.Context, event domain.OrchestrationEvent) error {
	return f(ctx, event)
}

// QueueName labels the async delivery backlog in queue depth metrics
const QueueName = "orchestration_events"

type registration struct {
	name    string
	handler Handler
}

// Bus publishes orchestration events to registered handlers
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.OrchestrationEventType][]registration
	worker   *Worker
	metrics  ports.MetricsCollector
	logger   *zap.Logger
}

// NewBus creates a bus. worker carries PublishAsync deliveries; its
// lifecycle belongs to the caller.
func NewBus(worker *Worker, metrics ports.MetricsCollector, logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[domain.OrchestrationEventType][]registration),
		worker:   worker,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register subscribes handler to the given event types, or to every type
// when none is given
func (b *Bus) Register(name string, handler Handler, types ...domain.OrchestrationEventType) {
	if len(types) == 0 {
		types = domain.AllOrchestrationEventTypes()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], registration{name: name, handler: handler})
	}
}

// Publish delivers event inline to every handler registered for its type
func (b *Bus) Publish(ctx context.Context, event domain.OrchestrationEvent) {
	b.deliver(ctx, event)
}

// PublishAsync queues event for the background worker, behind every event
// queued before it. Without a worker the event is delivered inline; once
// the worker stopped the event is dropped.
func (b *Bus) PublishAsync(ctx context.Context, event domain.OrchestrationEvent) {
	if b.worker == nil {
		b.deliver(ctx, event)
		return
	}

	deliveryCtx := context.WithoutCancel(ctx)
	err := b.worker.Submit(func() {
		b.deliver(deliveryCtx, event)
		b.metrics.SetQueueDepth(QueueName, b.worker.Pending())
	})
	if err != nil {
		b.metrics.IncEventHandlerFailures(string(event.Type))
		b.logger.Warn("dropping orchestration event",
			zap.String("event_type", string(event.Type)),
			zap.String("plan_execution_id", event.PlanExecutionID),
			zap.Error(err))
		return
	}
	b.metrics.SetQueueDepth(QueueName, b.worker.Pending())
}

func (b *Bus) deliver(ctx context.Context, event domain.OrchestrationEvent) {
	b.mu.RLock()
	regs := make([]registration, len(b.handlers[event.Type]))
	copy(regs, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, reg := range regs {
		if err := b.invoke(ctx, reg, event); err != nil {
			b.metrics.IncEventHandlerFailures(string(event.Type))
			b.logger.Error("orchestration event handler failed",
				zap.String("handler", reg.name),
				zap.String("event_type", string(event.Type)),
				zap.String("plan_execution_id", event.PlanExecutionID),
				zap.String("node_execution_id", event.NodeExecutionID),
				zap.Error(err))
		}
	}
}

func (b *Bus) invoke(ctx context.Context, reg registration, event domain.OrchestrationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return reg.handler.HandleEvent(ctx, event)
}
