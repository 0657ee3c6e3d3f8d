package barrier

import (
	"context"
	"sync"
	"testing"
	"time"

	lockmemory "github.com/aescanero/pipengine/pkg/adapters/lock/memory"
	"github.com/aescanero/pipengine/pkg/adapters/metrics/noop"
	"github.com/aescanero/pipengine/pkg/adapters/storage/memory"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string][]domain.ResponseData
}

func (r *recordingNotifier) Notify(ctx context.Context, correlationID string, resp domain.ResponseData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][]domain.ResponseData)
	}
	r.calls[correlationID] = append(r.calls[correlationID], resp)
	return nil
}

type failingLocker struct {
	mock.Mock
}

func (f *failingLocker) Acquire(ctx context.Context, name string, wait, lease time.Duration) (ports.Lock, error) {
	args := f.Called(name)
	return nil, args.Error(0)
}

var testConfig = Config{LockWait: time.Second, LockLease: 30 * time.Second}

func newService(t *testing.T) (*Service, *memory.Store, *recordingNotifier) {
	t.Helper()
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	s := NewService(store, lockmemory.NewLocker(), notifier, noop.NewCollector(), testConfig, zap.NewNop())
	return s, store, notifier
}

func TestDrop_SingleParticipantGoesDownImmediately(t *testing.T) {
	s, _, notifier := newService(t)
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "plan-1", []domain.BarrierSetup{{Identifier: "B1", Stages: []string{"S1"}}}))

	result, err := s.Drop(ctx, domain.BarrierInstanceID("plan-1", "B1"), "S1", "n1")
	require.NoError(t, err)

	assert.True(t, result.Down())
	assert.True(t, result.PassedThrough)
	assert.Equal(t, SinglePassMessage, result.Message)
	assert.Contains(t, result.Message, "There is only one barrier present")
	assert.Len(t, notifier.calls[domain.BarrierInstanceID("plan-1", "B1")], 1)
}

func TestDrop_WaitsForAllStages(t *testing.T) {
	s, _, notifier := newService(t)
	ctx := context.Background()
	id := domain.BarrierInstanceID("plan-1", "sync")
	require.NoError(t, s.Register(ctx, "plan-1", []domain.BarrierSetup{{Identifier: "sync", Stages: []string{"build", "test", "lint"}}}))

	for _, stage := range []string{"test", "build"} {
		result, err := s.Drop(ctx, id, stage, "n-"+stage)
		require.NoError(t, err)
		assert.False(t, result.Down())
		assert.False(t, result.PassedThrough)
	}
	assert.Empty(t, notifier.calls)

	result, err := s.Drop(ctx, id, "lint", "n-lint")
	require.NoError(t, err)
	assert.True(t, result.Down())
	assert.Len(t, result.Barrier.Arrivals, 3)
	require.Len(t, notifier.calls[id], 1)
	assert.Equal(t, domain.StatusSucceeded, notifier.calls[id][0].Status)
}

func TestDrop_IsIdempotent(t *testing.T) {
	s, store, _ := newService(t)
	ctx := context.Background()
	id := domain.BarrierInstanceID("plan-1", "sync")
	require.NoError(t, s.Register(ctx, "plan-1", []domain.BarrierSetup{{Identifier: "sync", Stages: []string{"build", "test"}}}))

	_, err := s.Drop(ctx, id, "build", "n1")
	require.NoError(t, err)
	again, err := s.Drop(ctx, id, "build", "n1-retry")
	require.NoError(t, err)

	assert.False(t, again.Down())
	b, err := store.GetBarrier(ctx, id)
	require.NoError(t, err)
	assert.Len(t, b.Arrivals, 1)
	assert.Equal(t, "n1", b.Arrivals["build"].NodeExecutionID)
}

func TestDrop_DownIsSticky(t *testing.T) {
	s, _, notifier := newService(t)
	ctx := context.Background()
	id := domain.BarrierInstanceID("plan-1", "B1")
	require.NoError(t, s.Register(ctx, "plan-1", []domain.BarrierSetup{{Identifier: "B1", Stages: []string{"S1"}}}))

	_, err := s.Drop(ctx, id, "S1", "n1")
	require.NoError(t, err)
	again, err := s.Drop(ctx, id, "S1", "n1")
	require.NoError(t, err)

	assert.True(t, again.Down())
	assert.False(t, again.PassedThrough)
	assert.Len(t, notifier.calls[id], 1)
}

func TestDrop_ConcurrentArrivalsGoDownOnce(t *testing.T) {
	s, _, notifier := newService(t)
	ctx := context.Background()
	id := domain.BarrierInstanceID("plan-1", "fan")
	stages := []string{"a", "b", "c", "d", "e", "f"}
	require.NoError(t, s.Register(ctx, "plan-1", []domain.BarrierSetup{{Identifier: "fan", Stages: stages}}))

	var wg sync.WaitGroup
	for _, stage := range stages {
		wg.Add(1)
		go func(stage string) {
			defer wg.Done()
			_, err := s.Drop(ctx, id, stage, "n-"+stage)
			assert.NoError(t, err)
		}(stage)
	}
	wg.Wait()

	b, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BarrierDown, b.State)
	assert.Len(t, notifier.calls[id], 1)
}

func TestDrop_MissingBarrier(t *testing.T) {
	s, _, _ := newService(t)

	_, err := s.Drop(context.Background(), "plan-1:nope", "S1", "n1")
	assert.ErrorIs(t, err, domain.ErrBarrierNotFound)
}

func TestDrop_UnexpectedBranch(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "plan-1", []domain.BarrierSetup{{Identifier: "B1", Stages: []string{"S1", "S2"}}}))

	_, err := s.Drop(ctx, domain.BarrierInstanceID("plan-1", "B1"), "S9", "n1")
	assert.ErrorIs(t, err, ErrUnexpectedBranch)
}

func TestDrop_LockFailure(t *testing.T) {
	store := memory.NewStore()
	locker := &failingLocker{}
	locker.On("Acquire", "barrier:plan-1:B1").Return(&domain.LockError{Name: "barrier:plan-1:B1", Err: domain.ErrLockNotAcquired})
	s := NewService(store, locker, &recordingNotifier{}, noop.NewCollector(), testConfig, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "plan-1", []domain.BarrierSetup{{Identifier: "B1", Stages: []string{"S1"}}}))

	_, err := s.Drop(ctx, "plan-1:B1", "S1", "n1")
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	b, err := store.GetBarrier(ctx, "plan-1:B1")
	require.NoError(t, err)
	assert.Equal(t, domain.BarrierUp, b.State)
	assert.Empty(t, b.Arrivals)
}

func TestExpireOverdue(t *testing.T) {
	s, store, notifier := newService(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return start }
	require.NoError(t, s.Register(ctx, "plan-1", []domain.BarrierSetup{
		{Identifier: "slow", Stages: []string{"a", "b"}, Timeout: time.Minute},
		{Identifier: "open", Stages: []string{"a", "b"}},
	}))

	n, err := s.ExpireOverdue(ctx, start.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ExpireOverdue(ctx, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id := domain.BarrierInstanceID("plan-1", "slow")
	b, err := store.GetBarrier(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BarrierTimedOut, b.State)
	require.Len(t, notifier.calls[id], 1)
	assert.Equal(t, domain.StatusExpired, notifier.calls[id][0].Status)

	result, err := s.Drop(ctx, id, "a", "n1")
	require.NoError(t, err)
	assert.False(t, result.Down())
	assert.Equal(t, domain.BarrierTimedOut, result.Barrier.State)
}

func TestBarrierRoundTrip(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return start }
	require.NoError(t, s.Register(ctx, "plan-1", []domain.BarrierSetup{{Identifier: "B", Stages: []string{"x", "y"}, Timeout: time.Hour}}))

	b, err := s.Get(ctx, "plan-1:B")
	require.NoError(t, err)
	b.Arrivals["x"] = domain.BarrierArrival{BranchID: "x", NodeExecutionID: "n1", ArrivedAt: start}
	require.NoError(t, s.Save(ctx, b))

	reloaded, err := s.Get(ctx, "plan-1:B")
	require.NoError(t, err)
	assert.Equal(t, b, reloaded)
}
