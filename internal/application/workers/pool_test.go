package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/pipengine/pkg/adapters/events/memory"
	streams "github.com/aescanero/pipengine/pkg/adapters/events/redis"
	"github.com/aescanero/pipengine/pkg/adapters/metrics/noop"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu       sync.Mutex
	handled  []ports.Event
	attempts map[string]int
	failures map[string]error // returned until attempts run out
	failFor  int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{attempts: make(map[string]int), failures: make(map[string]error)}
}

func (h *recordingHandler) HandleMessage(ctx context.Context, event ports.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.attempts[event.ID]++
	if err, ok := h.failures[event.ID]; ok && h.attempts[event.ID] <= h.failFor {
		return err
	}
	h.handled = append(h.handled, event)
	return nil
}

func (h *recordingHandler) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[id]
}

func (h *recordingHandler) handledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Size = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.HealthCheckInterval = time.Hour
	return cfg
}

func TestPool_DeliversTransportMessages(t *testing.T) {
	bus := memory.NewInMemoryEventBus(zap.NewNop())
	handler := newRecordingHandler()
	pool := NewPool(testConfig(), bus, handler, noop.NewCollector(), zap.NewNop())
	require.NoError(t, pool.Start())
	defer pool.Shutdown(context.Background())

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, ports.TopicNodeEvents, ports.NewStartNodeEvent("plan-1", "node-1")))
	require.NoError(t, bus.Publish(ctx, ports.TopicTaskResponses, ports.NewResponseEvent(ports.EventTypeTaskResponded, "plan-1",
		domain.ResponseData{CorrelationID: "task-1", Status: domain.StatusSucceeded})))
	// not consumed by the pool
	require.NoError(t, bus.Publish(ctx, ports.TopicTaskRequests, ports.NewTaskAbortEvent("task-1")))
	bus.Wait()

	assert.Eventually(t, func() bool { return handler.handledCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestPool_RetriesContendedLocks(t *testing.T) {
	bus := memory.NewInMemoryEventBus(zap.NewNop())
	handler := newRecordingHandler()
	handler.failFor = 2

	contended := ports.NewStartNodeEvent("plan-1", "node-1")
	handler.failures[contended.ID] = &domain.LockError{Name: "concurrency:p", Err: domain.ErrLockNotAcquired}
	broken := ports.NewStartNodeEvent("plan-1", "node-2")
	handler.failures[broken.ID] = errors.New("store unavailable")

	pool := NewPool(testConfig(), bus, handler, noop.NewCollector(), zap.NewNop())
	require.NoError(t, pool.Start())
	defer pool.Shutdown(context.Background())

	require.NoError(t, bus.Publish(context.Background(), ports.TopicNodeEvents, contended))
	require.NoError(t, bus.Publish(context.Background(), ports.TopicNodeEvents, broken))
	bus.Wait()

	assert.Eventually(t, func() bool { return handler.count(contended.ID) == 3 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return handler.handledCount() == 1 }, time.Second, 5*time.Millisecond)
	// other errors are not retried
	assert.Equal(t, 1, handler.count(broken.ID))
}

func TestPool_ReturnsHandlerOutcome(t *testing.T) {
	handler := newRecordingHandler()
	handler.failFor = 1
	broken := ports.NewStartNodeEvent("plan-1", "node-1")
	handler.failures[broken.ID] = errors.New("store unavailable")

	pool := NewPool(testConfig(), memory.NewInMemoryEventBus(zap.NewNop()), handler, noop.NewCollector(), zap.NewNop())
	require.NoError(t, pool.Start())
	defer pool.Shutdown(context.Background())

	ctx := context.Background()
	assert.EqualError(t, pool.enqueue(ctx, broken), "store unavailable")
	assert.NoError(t, pool.enqueue(ctx, broken))
	assert.Equal(t, 1, handler.handledCount())
}

func TestPool_FailedMessagesAreRedelivered(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	bus, err := streams.NewStreamsEventBus(client, "pipengine", "worker-1", zap.NewNop(),
		streams.WithClaimIdle(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
	})

	handler := newRecordingHandler()
	handler.failFor = 2
	event := ports.NewStartNodeEvent("plan-1", "node-1")
	handler.failures[event.ID] = errors.New("store unavailable")

	pool := NewPool(testConfig(), bus, handler, noop.NewCollector(), zap.NewNop())
	require.NoError(t, pool.Start())
	defer pool.Shutdown(context.Background())

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, ports.TopicNodeEvents, event))

	assert.Eventually(t, func() bool { return handler.handledCount() == 1 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3, handler.count(event.ID))
	assert.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, "pipengine:events:"+ports.TopicNodeEvents, "pipengine").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPool_RejectsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	pool := NewPool(cfg, memory.NewInMemoryEventBus(zap.NewNop()), newRecordingHandler(), noop.NewCollector(), zap.NewNop())

	// workers not started, so nothing drains the queue
	waiting := make(chan error, 1)
	go func() {
		waiting <- pool.enqueue(context.Background(), ports.NewStartNodeEvent("p", "n1"))
	}()
	require.Eventually(t, func() bool { return pool.QueueLength() == 1 }, time.Second, 5*time.Millisecond)

	err := pool.enqueue(context.Background(), ports.NewStartNodeEvent("p", "n2"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, pool.Serving())

	// the queued message is released unacknowledged on shutdown
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.ErrorIs(t, <-waiting, context.Canceled)
}

func TestPool_EnqueueStopsWaitingWithTransport(t *testing.T) {
	pool := NewPool(testConfig(), memory.NewInMemoryEventBus(zap.NewNop()), newRecordingHandler(), noop.NewCollector(), zap.NewNop())
	defer pool.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.enqueue(ctx, ports.NewStartNodeEvent("p", "n")), context.DeadlineExceeded)
}

func TestPool_Shutdown(t *testing.T) {
	pool := NewPool(testConfig(), memory.NewInMemoryEventBus(zap.NewNop()), newRecordingHandler(), noop.NewCollector(), zap.NewNop())
	require.NoError(t, pool.Start())

	require.NoError(t, pool.Shutdown(context.Background()))
	for _, status := range pool.GetStatus() {
		assert.Equal(t, WorkerStatusStopped, status)
	}
	assert.ErrorIs(t, pool.enqueue(context.Background(), ports.NewStartNodeEvent("p", "n")), context.Canceled)
}

type depthRecorder struct {
	noop.Collector
	mu     sync.Mutex
	depths map[string]int
	idle   int
}

func (d *depthRecorder) SetQueueDepth(queue string, depth int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.depths[queue] = depth
}

func (d *depthRecorder) RecordWorkerPoolStatus(idle, busy, stopped int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idle = idle
}

func (d *depthRecorder) recorded() (map[string]int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.depths))
	for k, v := range d.depths {
		out[k] = v
	}
	return out, d.idle
}

func TestPool_Report(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.HealthCheckInterval = 5 * time.Millisecond
	metrics := &depthRecorder{depths: make(map[string]int)}
	pool := NewPool(cfg, memory.NewInMemoryEventBus(zap.NewNop()), newRecordingHandler(), metrics, zap.NewNop())

	// no workers yet
	assert.False(t, pool.Serving())

	require.NoError(t, pool.Start())
	assert.Eventually(t, pool.Serving, time.Second, 5*time.Millisecond)

	report := pool.Report()
	assert.Equal(t, 2, report.Size())
	assert.Equal(t, 1, report.BacklogLimit)

	assert.Eventually(t, func() bool {
		depths, idle := metrics.recorded()
		_, ok := depths[QueueName]
		return ok && idle == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Shutdown(context.Background()))
	report = pool.Report()
	assert.Equal(t, 2, report.Workers[WorkerStatusStopped])
	assert.False(t, report.Serving)
}
