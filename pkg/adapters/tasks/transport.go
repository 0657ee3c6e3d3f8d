package tasks

import (
	"context"
	"fmt"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"go.uber.org/zap"
)

// TransportExecutor publishes task requests on the worker transport
type TransportExecutor struct {
	bus    ports.EventBus
	logger *zap.Logger
}

// NewTransportExecutor creates a transport backed executor
func NewTransportExecutor(bus ports.EventBus, logger *zap.Logger) *TransportExecutor {
	return &TransportExecutor{bus: bus, logger: logger}
}

// Submit implements ports.TaskExecutor
func (t *TransportExecutor) Submit(ctx context.Context, req domain.TaskRequest) error {
	if err := t.bus.Publish(ctx, ports.TopicTaskRequests, ports.NewTaskRequestEvent(req)); err != nil {
		return fmt.Errorf("failed to publish task %s: %w", req.TaskID, err)
	}

	t.logger.Debug("task published",
		zap.String("task_id", req.TaskID),
		zap.String("task_type", req.TaskType))
	return nil
}

// Abort implements ports.TaskExecutor
func (t *TransportExecutor) Abort(ctx context.Context, taskID string) error {
	if err := t.bus.Publish(ctx, ports.TopicTaskRequests, ports.NewTaskAbortEvent(taskID)); err != nil {
		return fmt.Errorf("failed to publish abort of task %s: %w", taskID, err)
	}
	return nil
}
