package events

import (
	"context"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
)

// MetricsHandler records node status changes and plan completions
type MetricsHandler struct {
	metrics ports.MetricsCollector
}

// NewMetricsHandler creates a metrics handler
func NewMetricsHandler(metrics ports.MetricsCollector) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

// HandleEvent implements Handler
func (h *MetricsHandler) HandleEvent(ctx context.Context, event domain.OrchestrationEvent) error {
	switch event.Type {
	case domain.EventOrchestrationStart:
		h.metrics.RecordPlanStarted()
	case domain.EventOrchestrationEnd:
		h.metrics.RecordPlanCompleted(string(event.Status), event.Duration)
	case domain.EventNodeExecutionStatusUpdate, domain.EventInterventionWaitStart:
		h.metrics.RecordNodeStatus(event.StepType, string(event.Status))
		if event.Status.IsTerminal() && event.Duration > 0 {
			h.metrics.ObserveNodeDuration(event.StepType, event.Duration)
		}
	}
	return nil
}

// Forwarder republishes orchestration events on the worker transport so
// other processes (the websocket stream) can follow a plan
type Forwarder struct {
	transport ports.EventBus
}

// NewForwarder creates a transport forwarder
func NewForwarder(transport ports.EventBus) *Forwarder {
	return &Forwarder{transport: transport}
}

// HandleEvent implements Handler
func (f *Forwarder) HandleEvent(ctx context.Context, event domain.OrchestrationEvent) error {
	return f.transport.Publish(ctx, ports.TopicOrchestrationEvents, ToTransport(event))
}

// ToTransport wraps an orchestration event in a transport message
func ToTransport(event domain.OrchestrationEvent) ports.Event {
	data := map[string]interface{}{
		"type":   string(event.Type),
		"status": string(event.Status),
	}
	if event.NodeExecutionID != "" {
		data["node_execution_id"] = event.NodeExecutionID
	}
	if event.StepType != "" {
		data["step_type"] = event.StepType
	}
	if event.PreviousStatus != "" {
		data["previous_status"] = string(event.PreviousStatus)
	}
	if event.Duration > 0 {
		data["duration_ms"] = event.Duration.Milliseconds()
	}

	return ports.Event{
		ID:          event.ID,
		Type:        ports.EventType(event.Type),
		Timestamp:   event.Timestamp,
		ExecutionID: event.PlanExecutionID,
		NodeID:      event.NodeExecutionID,
		Data:        data,
	}
}

// FromTransport is the inverse of ToTransport. Ambiance is not carried.
func FromTransport(msg ports.Event) domain.OrchestrationEvent {
	event := domain.OrchestrationEvent{
		ID:              msg.ID,
		Type:            domain.OrchestrationEventType(msg.Type),
		PlanExecutionID: msg.ExecutionID,
		NodeExecutionID: msg.NodeID,
		Timestamp:       msg.Timestamp,
	}
	if v, ok := msg.Data["step_type"].(string); ok {
		event.StepType = v
	}
	if v, ok := msg.Data["status"].(string); ok {
		event.Status = domain.Status(v)
	}
	if v, ok := msg.Data["previous_status"].(string); ok {
		event.PreviousStatus = domain.Status(v)
	}
	switch v := msg.Data["duration_ms"].(type) {
	case int64:
		event.Duration = time.Duration(v) * time.Millisecond
	case float64:
		event.Duration = time.Duration(v) * time.Millisecond
	}
	return event
}
