package concurrency

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	lockmemory "github.com/aescanero/pipengine/pkg/adapters/lock/memory"
	"github.com/aescanero/pipengine/pkg/adapters/metrics/noop"
	"github.com/aescanero/pipengine/pkg/adapters/storage/memory"
	"github.com/aescanero/pipengine/pkg/adapters/storage/storagetest"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	running map[string]bool
	errored map[string]domain.FailureInfo
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{
		running: make(map[string]bool),
		errored: make(map[string]domain.FailureInfo),
	}
}

func (f *fakeStarter) StartChild(ctx context.Context, childID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, childID)
	f.running[childID] = true
	return nil
}

func (f *fakeStarter) ErrorChild(ctx context.Context, childID string, info domain.FailureInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errored[childID] = info
	return nil
}

func (f *fakeStarter) finish(childID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, childID)
}

func (f *fakeStarter) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

type failingLocker struct {
	mock.Mock
}

func (f *failingLocker) Acquire(ctx context.Context, name string, wait, lease time.Duration) (ports.Lock, error) {
	args := f.Called(name)
	return nil, args.Error(0)
}

func newCoordinator(locker ports.Locker) (*Coordinator, *memory.Store, *fakeStarter) {
	store := memory.NewStore()
	starter := newFakeStarter()
	c := NewCoordinator(store, locker, starter, noop.NewCollector(),
		Config{LockWait: time.Second, LockLease: 30 * time.Second}, zap.NewNop())
	return c, store, starter
}

func TestCoordinator_StartsOneChildAtATime(t *testing.T) {
	c, store, starter := newCoordinator(lockmemory.NewLocker())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "P", []string{"c1", "c2", "c3"}, 1))
	assert.Equal(t, []string{"c1"}, starter.startedIDs())

	inst, err := store.GetConcurrentChildInstance(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.Cursor)

	require.NoError(t, c.Notify(ctx, "P", "c1"))
	assert.Equal(t, []string{"c1", "c2"}, starter.startedIDs())
	inst, err = store.GetConcurrentChildInstance(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Cursor)

	require.NoError(t, c.NotifyError(ctx, "P", "c2", errors.New("failed")))
	assert.Equal(t, []string{"c1", "c2", "c3"}, starter.startedIDs())

	require.NoError(t, c.Notify(ctx, "P", "c3"))
	assert.Equal(t, []string{"c1", "c2", "c3"}, starter.startedIDs())
	inst, err = store.GetConcurrentChildInstance(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 3, inst.Cursor)
	assert.True(t, inst.Exhausted())
}

func TestCoordinator_UnboundedStartsEverything(t *testing.T) {
	c, _, starter := newCoordinator(lockmemory.NewLocker())

	require.NoError(t, c.Start(context.Background(), "P", []string{"c1", "c2", "c3"}, 0))
	assert.Equal(t, []string{"c1", "c2", "c3"}, starter.startedIDs())
}

func TestCoordinator_LockFailureDoesNotAdvance(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.SaveConcurrentChildInstance(ctx, &domain.ConcurrentChildInstance{
		ParentID:                 "P",
		ChildrenNodeExecutionIDs: []string{"c1", "c2", "c3"},
		Cursor:                   0,
		MaxConcurrency:           1,
	}))

	locker := &failingLocker{}
	locker.On("Acquire", "concurrency:P").Return(&domain.LockError{Name: "concurrency:P", Err: domain.ErrLockNotAcquired})
	starter := newFakeStarter()
	c := NewCoordinator(store, locker, starter, noop.NewCollector(), DefaultConfig(), zap.NewNop())

	err := c.Notify(ctx, "P", "c1")
	require.Error(t, err)
	assert.True(t, domain.IsLockNotAcquired(err))
	assert.Empty(t, starter.startedIDs())

	inst, err := store.GetConcurrentChildInstance(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.Cursor)
	locker.AssertExpectations(t)
}

func TestCoordinator_MissingStateErrorsRemainingChildren(t *testing.T) {
	c, store, starter := newCoordinator(lockmemory.NewLocker())
	ctx := context.Background()

	for i, status := range []domain.Status{domain.StatusSucceeded, domain.StatusRunning, domain.StatusQueued} {
		n := storagetest.NodeExecution(fmt.Sprintf("c%d", i+1), "plan-1", "P")
		n.Status = status
		require.NoError(t, store.SaveNodeExecution(ctx, n))
	}

	err := c.Notify(ctx, "P", "c1")
	assert.ErrorIs(t, err, domain.ErrMissingConcurrencyState)
	assert.Empty(t, starter.startedIDs())
	assert.Len(t, starter.errored, 2)
	assert.Contains(t, starter.errored, "c2")
	assert.Contains(t, starter.errored, "c3")
	assert.Equal(t, domain.FailureTypeUnknownParent, starter.errored["c3"].FailureType)
}

func TestCoordinator_NeverExceedsMaxConcurrency(t *testing.T) {
	const (
		children = 12
		limit    = 3
	)
	c, store, starter := newCoordinator(lockmemory.NewLocker())
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	ids := make([]string, children)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%02d", i)
	}
	require.NoError(t, c.Start(ctx, "P", ids, limit))

	lastCursor := -1
	for {
		starter.mu.Lock()
		running := make([]string, 0, len(starter.running))
		for id := range starter.running {
			running = append(running, id)
		}
		starter.mu.Unlock()
		if len(running) == 0 {
			break
		}
		assert.LessOrEqual(t, len(running), limit)

		done := running[rng.Intn(len(running))]
		starter.finish(done)
		require.NoError(t, c.Notify(ctx, "P", done))

		inst, err := store.GetConcurrentChildInstance(ctx, "P")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, inst.Cursor, lastCursor)
		assert.LessOrEqual(t, inst.Cursor, children)
		lastCursor = inst.Cursor
	}

	assert.Equal(t, ids, starter.startedIDs())
}

func TestCoordinator_ConcurrentNotifications(t *testing.T) {
	c, store, starter := newCoordinator(lockmemory.NewLocker())
	ctx := context.Background()
	ids := []string{"c1", "c2", "c3", "c4", "c5", "c6"}
	require.NoError(t, c.Start(ctx, "P", ids, 3))

	var wg sync.WaitGroup
	for _, id := range ids[:3] {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, c.Notify(ctx, "P", id))
		}(id)
	}
	wg.Wait()

	assert.ElementsMatch(t, ids, starter.startedIDs())
	inst, err := store.GetConcurrentChildInstance(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 5, inst.Cursor)
}
