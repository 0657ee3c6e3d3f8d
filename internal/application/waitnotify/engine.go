package waitnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnknownCallback is returned when a wait names an unregistered kind
var ErrUnknownCallback = errors.New("callback kind not registered")

// CallbackFunc resumes a waiter with the responses of all its ids
type CallbackFunc func(ctx context.Context, spec domain.CallbackSpec, responses map[string]domain.ResponseData) error

// Engine registers waits and delivers notifications
type Engine struct {
	store  ports.WaitStore
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	callbacks map[string]CallbackFunc
}

// New creates a wait/notify engine
func New(store ports.WaitStore, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		logger:    logger,
		now:       time.Now,
		callbacks: make(map[string]CallbackFunc),
	}
}

// Handle registers the callback run for waits of the given kind
func (e *Engine) Handle(kind string, fn CallbackFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.callbacks[kind] = fn
}

// WaitForAll registers a wait that fires once every correlation id has a
// response. Responses delivered before registration count.
func (e *Engine) WaitForAll(ctx context.Context, ownerID string, spec domain.CallbackSpec, correlationIDs ...string) (string, error) {
	if len(correlationIDs) == 0 {
		return "", errors.New("wait requires at least one correlation id")
	}

	w := &domain.WaitInstance{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		CorrelationIDs: correlationIDs,
		Callback:       spec,
		CreatedAt:      e.now(),
	}
	if err := e.store.SaveWaitInstance(ctx, w); err != nil {
		return "", fmt.Errorf("failed to register wait: %w", err)
	}

	e.logger.Debug("wait registered",
		zap.String("wait_id", w.ID),
		zap.String("owner_id", ownerID),
		zap.String("callback", spec.Kind),
		zap.Strings("correlation_ids", correlationIDs))

	if err := e.fireIfComplete(ctx, w); err != nil {
		return w.ID, err
	}
	return w.ID, nil
}

// RegisterCallback waits on a single correlation id on behalf of the
// callback's node execution
func (e *Engine) RegisterCallback(ctx context.Context, correlationID string, spec domain.CallbackSpec) (string, error) {
	return e.WaitForAll(ctx, spec.NodeExecutionID, spec, correlationID)
}

// Notify records the response for correlationID and fires every wait it
// completes
func (e *Engine) Notify(ctx context.Context, correlationID string, resp domain.ResponseData) error {
	resp.CorrelationID = correlationID
	if err := e.store.SaveResponse(ctx, resp); err != nil {
		return fmt.Errorf("failed to store response: %w", err)
	}

	waits, err := e.store.FindWaitInstances(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("failed to find waits: %w", err)
	}

	e.logger.Debug("notification received",
		zap.String("correlation_id", correlationID),
		zap.Int("waits", len(waits)))

	var errs []error
	for _, w := range waits {
		if err := e.fireIfComplete(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every pending wait of an owner and returns how many were
// removed
func (e *Engine) Discard(ctx context.Context, ownerID string) (int, error) {
	waits, err := e.store.FindWaitInstancesByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to find waits: %w", err)
	}

	discarded := 0
	for _, w := range waits {
		claimed, err := e.store.ClaimWaitInstance(ctx, w.ID)
		if err != nil {
			return discarded, fmt.Errorf("failed to discard wait %s: %w", w.ID, err)
		}
		if claimed {
			discarded++
		}
	}

	if discarded > 0 {
		e.logger.Debug("waits discarded",
			zap.String("owner_id", ownerID),
			zap.Int("count", discarded))
	}
	return discarded, nil
}

func (e *Engine) fireIfComplete(ctx context.Context, w *domain.WaitInstance) error {
	responses, err := e.store.GetResponses(ctx, w.CorrelationIDs)
	if err != nil {
		return fmt.Errorf("failed to load responses: %w", err)
	}
	if len(responses) < len(w.CorrelationIDs) {
		return nil
	}

	claimed, err := e.store.ClaimWaitInstance(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("failed to claim wait %s: %w", w.ID, err)
	}
	if !claimed {
		return nil
	}

	e.mu.RLock()
	fn, ok := e.callbacks[w.Callback.Kind]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCallback, w.Callback.Kind)
	}

	if err := fn(ctx, w.Callback, responses); err != nil {
		// Put the wait back so a redelivered notification can fire it again
		if saveErr := e.store.SaveWaitInstance(ctx, w); saveErr != nil {
			e.logger.Error("failed to restore wait after callback error",
				zap.String("wait_id", w.ID),
				zap.Error(saveErr))
		}
		return fmt.Errorf("callback %s for wait %s failed: %w", w.Callback.Kind, w.ID, err)
	}
	return nil
}
