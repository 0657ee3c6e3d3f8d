package ports

import (
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/google/uuid"
)

// NewStartNodeEvent asks a worker to start a QUEUED node execution
func NewStartNodeEvent(planExecutionID, nodeExecutionID string) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        EventTypeStartNode,
		Timestamp:   time.Now(),
		ExecutionID: planExecutionID,
		NodeID:      nodeExecutionID,
	}
}

// NewResponseEvent carries a notification for correlation id resp.CorrelationID.
// eventType is EventTypeNotify or EventTypeTaskResponded.
func NewResponseEvent(eventType EventType, planExecutionID string, resp domain.ResponseData) Event {
	data := map[string]interface{}{
		"correlation_id": resp.CorrelationID,
		"status":         string(resp.Status),
	}
	if resp.Error != "" {
		data["error"] = resp.Error
	}
	if resp.Data != nil {
		data["data"] = resp.Data
	}
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now(),
		ExecutionID: planExecutionID,
		NodeID:      resp.NodeExecutionID,
		Data:        data,
	}
}

// ResponseFromEvent is the inverse of NewResponseEvent
func ResponseFromEvent(event Event) (domain.ResponseData, error) {
	correlationID, _ := event.Data["correlation_id"].(string)
	if correlationID == "" {
		return domain.ResponseData{}, errors.New("response event without correlation_id")
	}
	status, _ := event.Data["status"].(string)
	resp := domain.ResponseData{
		CorrelationID:   correlationID,
		NodeExecutionID: event.NodeID,
		Status:          domain.Status(status),
	}
	if s := domain.Status(status); s != "" && !s.IsValid() {
		return resp, fmt.Errorf("response event with unknown status %q", status)
	}
	resp.Error, _ = event.Data["error"].(string)
	resp.Data, _ = event.Data["data"].(map[string]interface{})
	return resp, nil
}

// NewTaskRequestEvent hands a task to external workers
func NewTaskRequestEvent(req domain.TaskRequest) Event {
	data := map[string]interface{}{
		"task_id":   req.TaskID,
		"task_type": req.TaskType,
	}
	if req.Parameters != nil {
		data["parameters"] = req.Parameters
	}
	return Event{
		ID:          uuid.NewString(),
		Type:        EventTypeTaskRequested,
		Timestamp:   time.Now(),
		ExecutionID: req.PlanExecutionID,
		NodeID:      req.NodeExecutionID,
		Data:        data,
	}
}

// TaskRequestFromEvent is the inverse of NewTaskRequestEvent
func TaskRequestFromEvent(event Event) (domain.TaskRequest, error) {
	taskID, _ := event.Data["task_id"].(string)
	if taskID == "" {
		return domain.TaskRequest{}, errors.New("task event without task_id")
	}
	taskType, _ := event.Data["task_type"].(string)
	params, _ := event.Data["parameters"].(map[string]interface{})
	return domain.TaskRequest{
		TaskID:          taskID,
		TaskType:        taskType,
		NodeExecutionID: event.NodeID,
		PlanExecutionID: event.ExecutionID,
		Parameters:      params,
	}, nil
}

// NewTaskAbortEvent tells external workers to stop a task
func NewTaskAbortEvent(taskID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      EventTypeTaskAborted,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"task_id": taskID},
	}
}
