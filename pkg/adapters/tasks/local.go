package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aescanero/pipengine/pkg/domain"
	"go.uber.org/zap"
)

// Notifier delivers task results under the task id
type Notifier interface {
	Notify(ctx context.Context, correlationID string, resp domain.ResponseData) error
}

// Handler runs one task type and returns its output data
type Handler func(ctx context.Context, req domain.TaskRequest) (map[string]interface{}, error)

// Echo returns the task parameters as its output
func Echo(ctx context.Context, req domain.TaskRequest) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(req.Parameters))
	for k, v := range req.Parameters {
		out[k] = v
	}
	return out, nil
}

// LocalExecutor runs tasks in background goroutines of this process
type LocalExecutor struct {
	notifier Notifier
	logger   *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewLocalExecutor creates an in-process executor
func NewLocalExecutor(notifier Notifier, logger *zap.Logger) *LocalExecutor {
	return &LocalExecutor{
		notifier: notifier,
		logger:   logger,
		handlers: make(map[string]Handler),
		running:  make(map[string]context.CancelFunc),
	}
}

// Register sets the handler of a task type
func (l *LocalExecutor) Register(taskType string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handlers[taskType] = h
}

// Submit implements ports.TaskExecutor. The task outlives ctx.
func (l *LocalExecutor) Submit(ctx context.Context, req domain.TaskRequest) error {
	l.mu.Lock()
	h, ok := l.handlers[req.TaskType]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("no handler for task type %s", req.TaskType)
	}
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.running[req.TaskID] = cancel
	l.wg.Add(1)
	l.mu.Unlock()

	go l.run(taskCtx, h, req)
	return nil
}

// Abort implements ports.TaskExecutor. Unknown or finished tasks are
// ignored.
func (l *LocalExecutor) Abort(ctx context.Context, taskID string) error {
	l.mu.Lock()
	cancel, ok := l.running[taskID]
	l.mu.Unlock()

	if ok {
		cancel()
	}
	return nil
}

// Wait blocks until every submitted task has finished
func (l *LocalExecutor) Wait() {
	l.wg.Wait()
}

func (l *LocalExecutor) run(ctx context.Context, h Handler, req domain.TaskRequest) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		if cancel, ok := l.running[req.TaskID]; ok {
			cancel()
			delete(l.running, req.TaskID)
		}
		l.mu.Unlock()
	}()

	data, err := h(ctx, req)

	resp := domain.ResponseData{
		NodeExecutionID: req.NodeExecutionID,
		Status:          domain.StatusSucceeded,
		Data:            data,
	}
	switch {
	case errors.Is(err, context.Canceled):
		resp.Status = domain.StatusAborted
		resp.Error = err.Error()
	case err != nil:
		resp.Status = domain.StatusFailed
		resp.Error = err.Error()
	}

	if err := l.notifier.Notify(context.WithoutCancel(ctx), req.TaskID, resp); err != nil {
		l.logger.Error("failed to deliver task result",
			zap.String("task_id", req.TaskID),
			zap.Error(err))
	}
}
