package restraint

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	lockmemory "github.com/aescanero/pipengine/pkg/adapters/lock/memory"
	"github.com/aescanero/pipengine/pkg/adapters/metrics/noop"
	"github.com/aescanero/pipengine/pkg/adapters/storage/memory"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	resps map[string]domain.ResponseData
}

func (r *recordingNotifier) Notify(ctx context.Context, correlationID string, resp domain.ResponseData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resps == nil {
		r.resps = make(map[string]domain.ResponseData)
	}
	r.calls = append(r.calls, correlationID)
	r.resps[correlationID] = resp
	return nil
}

func newService(t *testing.T, capacity int) (*Service, *memory.Store, *recordingNotifier) {
	t.Helper()
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	s := NewService(store, lockmemory.NewLocker(), notifier, noop.NewCollector(),
		Config{LockWait: 5 * time.Second, LockLease: 30 * time.Second}, zap.NewNop())
	require.NoError(t, s.SaveRestraint(context.Background(), &domain.ResourceRestraint{ID: "r", Name: "deploy", Capacity: capacity}))
	return s, store, notifier
}

func request(entity string, permits int) AcquireRequest {
	return AcquireRequest{
		RestraintID:     "r",
		ResourceUnit:    "R",
		Scope:           domain.ScopePipeline,
		ReleaseEntityID: entity,
		AcquireMode:     domain.AcquireAccumulate,
		Permits:         permits,
		NodeExecutionID: "node-" + entity,
	}
}

func TestAcquire_QueuesWhenFullAndPromotesOnRelease(t *testing.T) {
	s, _, notifier := newService(t, 1)
	ctx := context.Background()

	x, err := s.Acquire(ctx, request("X", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.RestraintActive, x.State)

	y, err := s.Acquire(ctx, request("Y", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.RestraintBlocked, y.State)

	depth, err := s.QueueDepth(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	require.NoError(t, s.Release(ctx, "X"))

	y, err = s.Get(ctx, y.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RestraintActive, y.State)
	assert.Equal(t, []string{y.ID}, notifier.calls)

	x, err = s.Get(ctx, x.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RestraintFinished, x.State)
}

func TestAcquire_EnsureIsIdempotent(t *testing.T) {
	s, _, _ := newService(t, 2)
	ctx := context.Background()

	req := request("plan-1", 1)
	req.AcquireMode = domain.AcquireEnsure
	first, err := s.Acquire(ctx, req)
	require.NoError(t, err)
	second, err := s.Acquire(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := s.Acquire(ctx, request("plan-2", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.RestraintActive, other.State)
}

func TestAcquire_AccumulateCountsEveryRequest(t *testing.T) {
	s, _, _ := newService(t, 2)
	ctx := context.Background()

	for i, want := range []domain.RestraintState{domain.RestraintActive, domain.RestraintActive, domain.RestraintBlocked} {
		inst, err := s.Acquire(ctx, request("plan-1", 1))
		require.NoError(t, err)
		assert.Equal(t, want, inst.State, "request %d", i)
	}
}

func TestAcquire_NewRequestDoesNotOvertakeWaiter(t *testing.T) {
	s, _, notifier := newService(t, 3)
	ctx := context.Background()

	_, err := s.Acquire(ctx, request("A", 2))
	require.NoError(t, err)
	big, err := s.Acquire(ctx, request("B", 2))
	require.NoError(t, err)
	require.Equal(t, domain.RestraintBlocked, big.State)

	small, err := s.Acquire(ctx, request("C", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.RestraintBlocked, small.State)

	require.NoError(t, s.Release(ctx, "A"))
	assert.Equal(t, []string{big.ID, small.ID}, notifier.calls)
}

func TestAcquire_HigherPriorityServedFirst(t *testing.T) {
	s, _, notifier := newService(t, 1)
	ctx := context.Background()

	_, err := s.Acquire(ctx, request("holder", 1))
	require.NoError(t, err)
	low, err := s.Acquire(ctx, request("low", 1))
	require.NoError(t, err)
	highReq := request("high", 1)
	highReq.Priority = 10
	high, err := s.Acquire(ctx, highReq)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "holder"))
	assert.Equal(t, []string{high.ID}, notifier.calls)

	require.NoError(t, s.Release(ctx, "high"))
	assert.Equal(t, []string{high.ID, low.ID}, notifier.calls)
}

func TestAcquire_OversizedRequestRejected(t *testing.T) {
	s, _, _ := newService(t, 2)

	inst, err := s.Acquire(context.Background(), request("X", 3))
	require.NoError(t, err)
	assert.Equal(t, domain.RestraintRejected, inst.State)
}

func TestAcquire_UnknownRestraint(t *testing.T) {
	s, _, _ := newService(t, 1)
	req := request("X", 1)
	req.RestraintID = "missing"

	_, err := s.Acquire(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrRestraintNotFound)
}

func TestExpireOverdue(t *testing.T) {
	s, _, notifier := newService(t, 2)
	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return start }

	_, err := s.Acquire(ctx, request("holder", 1))
	require.NoError(t, err)
	bigReq := request("big", 2)
	bigReq.Timeout = time.Minute
	big, err := s.Acquire(ctx, bigReq)
	require.NoError(t, err)
	small, err := s.Acquire(ctx, request("small", 1))
	require.NoError(t, err)
	require.Equal(t, domain.RestraintBlocked, small.State)

	n, err := s.ExpireOverdue(ctx, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{big.ID, small.ID}, notifier.calls)
	assert.Equal(t, domain.StatusExpired, notifier.resps[big.ID].Status)
	assert.Equal(t, domain.StatusSucceeded, notifier.resps[small.ID].Status)

	big, err = s.Get(ctx, big.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RestraintRejected, big.State)
}

func TestCapacityNeverExceededAndFIFO(t *testing.T) {
	const capacity = 3
	s, store, notifier := newService(t, capacity)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var holders []string
	for i := 0; i < 200; i++ {
		if len(holders) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(holders))
			require.NoError(t, s.Release(ctx, holders[idx]))
			holders = append(holders[:idx], holders[idx+1:]...)
		} else {
			entity := fmt.Sprintf("e%d", i)
			_, err := s.Acquire(ctx, request(entity, 1+rng.Intn(2)))
			require.NoError(t, err)
			holders = append(holders, entity)
		}

		held, err := store.ListRestraintInstances(ctx, "R")
		require.NoError(t, err)
		assert.LessOrEqual(t, activePermits(held), capacity)
	}

	// promotions happen in arrival order at equal priority
	var lastOrder int64
	for _, id := range notifier.calls {
		inst, err := store.GetRestraintInstance(ctx, id)
		require.NoError(t, err)
		assert.Greater(t, inst.Order, lastOrder)
		lastOrder = inst.Order
	}
}

func TestAcquire_ConcurrentRequestsRespectCapacity(t *testing.T) {
	s, store, _ := newService(t, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Acquire(ctx, request(fmt.Sprintf("e%d", i), 1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	held, err := store.ListRestraintInstances(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, 2, activePermits(held))
	assert.Equal(t, 8, countBlocked(held))
}

func TestAcquire_LockHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	locker := lockmemory.NewLocker()
	s := NewService(store, locker, &recordingNotifier{}, noop.NewCollector(),
		Config{LockWait: 20 * time.Millisecond, LockLease: time.Minute}, zap.NewNop())
	require.NoError(t, s.SaveRestraint(ctx, &domain.ResourceRestraint{ID: "r", Name: "deploy", Capacity: 1}))

	held, err := locker.Acquire(ctx, "restraint:R", time.Second, time.Minute)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = s.Acquire(ctx, request("X", 1))
	assert.True(t, domain.IsLockNotAcquired(err))

	depth, err := s.QueueDepth(ctx, "R")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestCancel_WithdrawsBlockedRequest(t *testing.T) {
	s, _, notifier := newService(t, 2)
	ctx := context.Background()

	_, err := s.Acquire(ctx, request("holder", 1))
	require.NoError(t, err)
	big, err := s.Acquire(ctx, request("big", 2))
	require.NoError(t, err)
	small, err := s.Acquire(ctx, request("small", 1))
	require.NoError(t, err)
	require.Equal(t, domain.RestraintBlocked, small.State)

	require.NoError(t, s.Cancel(ctx, big.ID))
	assert.Equal(t, []string{small.ID}, notifier.calls)

	big, err = s.Get(ctx, big.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RestraintFinished, big.State)

	// cancelling a granted request is a no-op
	require.NoError(t, s.Cancel(ctx, small.ID))
	small, err = s.Get(ctx, small.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RestraintActive, small.State)
}
