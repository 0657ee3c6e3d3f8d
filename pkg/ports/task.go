package ports

import (
	"context"

	"github.com/aescanero/pipengine/pkg/domain"
)

// TaskExecutor hands work to external workers. Results come back as
// notifications keyed by the task id.
type TaskExecutor interface {
	Submit(ctx context.Context, req domain.TaskRequest) error
	Abort(ctx context.Context, taskID string) error
}
