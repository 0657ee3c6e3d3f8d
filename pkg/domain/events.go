package domain

import "time"

// OrchestrationEventType classifies lifecycle events
type OrchestrationEventType string

const (
	EventOrchestrationStart        OrchestrationEventType = "ORCHESTRATION_START"
	EventOrchestrationEnd          OrchestrationEventType = "ORCHESTRATION_END"
	EventNodeExecutionStatusUpdate OrchestrationEventType = "NODE_EXECUTION_STATUS_UPDATE"
	EventInterventionWaitStart     OrchestrationEventType = "INTERVENTION_WAIT_START"
)

// AllOrchestrationEventTypes lists every event type
func AllOrchestrationEventTypes() []OrchestrationEventType {
	return []OrchestrationEventType{
		EventOrchestrationStart,
		EventOrchestrationEnd,
		EventNodeExecutionStatusUpdate,
		EventInterventionWaitStart,
	}
}

// OrchestrationEvent announces a lifecycle change
type OrchestrationEvent struct {
	ID              string                 `json:"id"`
	Type            OrchestrationEventType `json:"type"`
	PlanExecutionID string                 `json:"plan_execution_id"`
	NodeExecutionID string                 `json:"node_execution_id,omitempty"`
	StepType        string                 `json:"step_type,omitempty"`
	Status          Status                 `json:"status,omitempty"`
	PreviousStatus  Status                 `json:"previous_status,omitempty"`
	Ambiance        *Ambiance              `json:"ambiance,omitempty"`
	Duration        time.Duration          `json:"duration,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}
