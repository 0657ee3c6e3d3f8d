package steps

import (
	"context"
	"fmt"

	"github.com/aescanero/pipengine/internal/application/processor"
	"github.com/aescanero/pipengine/pkg/domain"
)

// Noop concludes immediately with the "status" parameter (SUCCEEDED by
// default) and echoes the "outcomes" parameter
type Noop struct{}

func (Noop) Type() string               { return "NOOP" }
func (Noop) Mode() domain.ExecutionMode { return domain.ModeSync }

// ExecuteSync implements processor.SyncStep
func (Noop) ExecuteSync(ctx context.Context, inv processor.Invocation) (*domain.StepResponse, error) {
	params := inv.Parameters()
	status := domain.Status(stringParam(params, "status"))
	if status == "" {
		status = domain.StatusSucceeded
	}
	if !status.IsTerminal() {
		return nil, fmt.Errorf("noop status %s is not final", status)
	}

	resp := &domain.StepResponse{Status: status, Outcomes: mapParam(params, "outcomes")}
	if status.IsBroke() {
		resp.FailureInfo = &domain.FailureInfo{
			Message:     stringParam(params, "message"),
			FailureType: domain.FailureTypeApplication,
		}
	}
	return resp, nil
}
