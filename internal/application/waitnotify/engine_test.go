package waitnotify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aescanero/pipengine/pkg/adapters/storage/memory"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fired struct {
	mu    sync.Mutex
	calls []map[string]domain.ResponseData
}

func (f *fired) callback(ctx context.Context, spec domain.CallbackSpec, responses map[string]domain.ResponseData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, responses)
	return nil
}

func (f *fired) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newEngine(t *testing.T) (*Engine, *memory.Store, *fired) {
	t.Helper()
	store := memory.NewStore()
	e := New(store, zap.NewNop())
	f := &fired{}
	e.Handle("test", f.callback)
	return e, store, f
}

func TestNotify_FiresWhenAllResponsesArrive(t *testing.T) {
	e, _, f := newEngine(t)
	ctx := context.Background()

	_, err := e.WaitForAll(ctx, "owner", domain.CallbackSpec{Kind: "test"}, "a", "b")
	require.NoError(t, err)

	require.NoError(t, e.Notify(ctx, "a", domain.ResponseData{Status: domain.StatusSucceeded}))
	assert.Equal(t, 0, f.count())

	require.NoError(t, e.Notify(ctx, "b", domain.ResponseData{Status: domain.StatusFailed}))
	require.Equal(t, 1, f.count())
	assert.Equal(t, domain.StatusSucceeded, f.calls[0]["a"].Status)
	assert.Equal(t, domain.StatusFailed, f.calls[0]["b"].Status)
	assert.Equal(t, "b", f.calls[0]["b"].CorrelationID)
}

func TestWaitForAll_ResponseBeforeRegistration(t *testing.T) {
	e, _, f := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Notify(ctx, "a", domain.ResponseData{Status: domain.StatusSucceeded}))
	_, err := e.RegisterCallback(ctx, "a", domain.CallbackSpec{Kind: "test", NodeExecutionID: "n1"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.count())
}

func TestNotify_DuplicateDeliveryFiresOnce(t *testing.T) {
	e, _, f := newEngine(t)
	ctx := context.Background()

	_, err := e.RegisterCallback(ctx, "a", domain.CallbackSpec{Kind: "test", NodeExecutionID: "n1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Notify(ctx, "a", domain.ResponseData{}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.count())
}

func TestNotify_SeveralWaitsOnOneID(t *testing.T) {
	e, _, f := newEngine(t)
	ctx := context.Background()

	_, err := e.WaitForAll(ctx, "n1", domain.CallbackSpec{Kind: "test"}, "barrier")
	require.NoError(t, err)
	_, err = e.WaitForAll(ctx, "n2", domain.CallbackSpec{Kind: "test"}, "barrier")
	require.NoError(t, err)

	require.NoError(t, e.Notify(ctx, "barrier", domain.ResponseData{}))
	assert.Equal(t, 2, f.count())
}

func TestDiscard(t *testing.T) {
	e, _, f := newEngine(t)
	ctx := context.Background()

	_, err := e.WaitForAll(ctx, "n1", domain.CallbackSpec{Kind: "test"}, "a")
	require.NoError(t, err)
	_, err = e.WaitForAll(ctx, "n1", domain.CallbackSpec{Kind: "test"}, "b")
	require.NoError(t, err)

	n, err := e.Discard(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, e.Notify(ctx, "a", domain.ResponseData{}))
	assert.Equal(t, 0, f.count())
}

func TestNotify_FailedCallbackCanBeRetried(t *testing.T) {
	store := memory.NewStore()
	e := New(store, zap.NewNop())
	ctx := context.Background()

	var attempts atomic.Int32
	e.Handle("flaky", func(ctx context.Context, spec domain.CallbackSpec, responses map[string]domain.ResponseData) error {
		if attempts.Add(1) == 1 {
			return errors.New("lock busy")
		}
		return nil
	})

	_, err := e.RegisterCallback(ctx, "a", domain.CallbackSpec{Kind: "flaky", NodeExecutionID: "n1"})
	require.NoError(t, err)

	assert.Error(t, e.Notify(ctx, "a", domain.ResponseData{}))
	require.NoError(t, e.Notify(ctx, "a", domain.ResponseData{}))
	assert.Equal(t, int32(2), attempts.Load())

	waits, err := store.FindWaitInstancesByOwner(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, waits)
}

func TestNotify_UnknownCallbackKind(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.RegisterCallback(ctx, "a", domain.CallbackSpec{Kind: "missing"})
	require.NoError(t, err)

	assert.ErrorIs(t, e.Notify(ctx, "a", domain.ResponseData{}), ErrUnknownCallback)
}

func TestWaitForAll_RequiresIDs(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.WaitForAll(context.Background(), "n1", domain.CallbackSpec{Kind: "test"})
	assert.Error(t, err)
}
