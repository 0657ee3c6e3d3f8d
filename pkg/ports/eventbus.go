package ports

import (
	"context"
	"time"
)

// Transport topics
const (
	TopicNodeEvents          = "node.events"
	TopicTaskRequests        = "task.requests"
	TopicTaskResponses       = "task.responses"
	TopicOrchestrationEvents = "orchestration.events"
)

// EventType classifies transport messages
type EventType string

const (
	EventTypeStartNode     EventType = "node.start"
	EventTypeNotify        EventType = "wait.notify"
	EventTypeTaskRequested EventType = "task.requested"
	EventTypeTaskAborted   EventType = "task.aborted"
	EventTypeTaskResponded EventType = "task.responded"
)

// Event is a message carried by the worker transport
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	ExecutionID string                 `json:"execution_id"`
	NodeID      string                 `json:"node_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EventHandler processes one transport message
type EventHandler func(ctx context.Context, event Event) error

// EventBus moves messages between workers
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
