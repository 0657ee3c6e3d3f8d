package steps

import (
	"context"
	"errors"

	"github.com/aescanero/pipengine/internal/application/processor"
	"github.com/aescanero/pipengine/pkg/domain"
)

// Task delegates the "task_type" work with its "parameters" to an
// external worker
type Task struct{}

func (Task) Type() string               { return "TASK" }
func (Task) Mode() domain.ExecutionMode { return domain.ModeTask }

// ObtainTask implements processor.TaskStep
func (Task) ObtainTask(ctx context.Context, inv processor.Invocation) (*domain.TaskRequest, error) {
	params := inv.Parameters()
	taskType := stringParam(params, "task_type")
	if taskType == "" {
		return nil, errors.New("task step requires a task_type parameter")
	}
	return &domain.TaskRequest{TaskType: taskType, Parameters: mapParam(params, "parameters")}, nil
}

// HandleTaskResult implements processor.TaskStep
func (Task) HandleTaskResult(ctx context.Context, inv processor.Invocation, responses map[string]domain.ResponseData) (*domain.StepResponse, error) {
	for _, r := range responses {
		status := r.Status
		switch {
		case status.IsTerminal():
		case r.Error != "":
			status = domain.StatusFailed
		default:
			status = domain.StatusSucceeded
		}

		resp := &domain.StepResponse{Status: status, Outcomes: r.Data}
		if r.Error != "" || status.IsBroke() {
			resp.FailureInfo = &domain.FailureInfo{Message: r.Error, FailureType: domain.FailureTypeApplication}
		}
		return resp, nil
	}
	return nil, errors.New("task resumed without a result")
}
