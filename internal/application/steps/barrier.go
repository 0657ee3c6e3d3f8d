package steps

import (
	"context"
	"errors"

	"github.com/aescanero/pipengine/internal/application/barrier"
	"github.com/aescanero/pipengine/internal/application/processor"
	"github.com/aescanero/pipengine/pkg/domain"
	"go.uber.org/zap"
)

// BarrierDropper is the barrier service as seen by the BARRIER step
type BarrierDropper interface {
	Drop(ctx context.Context, barrierID, branchID, nodeExecutionID string) (*barrier.DropResult, error)
}

// Barrier drops the enclosing stage into the barrier named by the
// "barrier" parameter and waits until the barrier goes down or times out
type Barrier struct {
	barriers BarrierDropper
	logger   *zap.Logger
}

// NewBarrier creates a BARRIER step
func NewBarrier(barriers BarrierDropper, logger *zap.Logger) *Barrier {
	return &Barrier{barriers: barriers, logger: logger}
}

func (*Barrier) Type() string               { return "BARRIER" }
func (*Barrier) Mode() domain.ExecutionMode { return domain.ModeAsync }

// ExecuteAsync implements processor.AsyncStep
func (b *Barrier) ExecuteAsync(ctx context.Context, inv processor.Invocation) (*domain.AsyncExecutableResponse, error) {
	identifier := stringParam(inv.Parameters(), "barrier")
	if identifier == "" {
		return nil, errors.New("barrier step requires a barrier parameter")
	}
	stage, ok := inv.Node.Ambiance.StageLevel()
	if !ok {
		return nil, errors.New("barrier step must run inside a stage")
	}

	barrierID := domain.BarrierInstanceID(inv.Node.PlanExecutionID, identifier)
	result, err := b.barriers.Drop(ctx, barrierID, stage.Identifier, inv.Node.ID)
	if err != nil {
		if result == nil {
			return nil, err
		}
		// the drop is recorded; waiters that failed to resume get redelivered
		b.logger.Warn("barrier went down but notifying waiters failed",
			zap.String("barrier_id", barrierID),
			zap.Error(err))
	}

	data := map[string]string{
		"barrier_id": barrierID,
		"branch_id":  stage.Identifier,
		"state":      string(result.Barrier.State),
	}
	if result.PassedThrough {
		data["message"] = result.Message
	}
	return &domain.AsyncExecutableResponse{CallbackIDs: []string{barrierID}, Data: data}, nil
}

// HandleAsyncResponse implements processor.AsyncStep
func (b *Barrier) HandleAsyncResponse(ctx context.Context, inv processor.Invocation, responses map[string]domain.ResponseData) (*domain.StepResponse, error) {
	for id, r := range responses {
		switch r.Status {
		case domain.StatusSucceeded:
			return &domain.StepResponse{
				Status:   domain.StatusSucceeded,
				Outcomes: map[string]interface{}{"barrier_id": id, "message": r.Data["message"]},
			}, nil
		case domain.StatusExpired:
			return &domain.StepResponse{
				Status:      domain.StatusExpired,
				FailureInfo: &domain.FailureInfo{Message: r.Error, FailureType: domain.FailureTypeTimeout},
			}, nil
		default:
			return &domain.StepResponse{
				Status:      domain.StatusFailed,
				FailureInfo: &domain.FailureInfo{Message: r.Error, FailureType: domain.FailureTypeApplication},
			}, nil
		}
	}
	return nil, errors.New("barrier resumed without a response")
}

// HandleAbort implements processor.AsyncStep. Arrivals are never
// withdrawn, so there is nothing to undo.
func (b *Barrier) HandleAbort(ctx context.Context, inv processor.Invocation, resp *domain.AsyncExecutableResponse) error {
	return nil
}
