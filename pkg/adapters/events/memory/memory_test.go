package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInMemoryEventBus_PublishReachesEverySubscriber(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	ctx := context.Background()

	var mu sync.Mutex
	got := map[string]int{}
	record := func(name string) ports.EventHandler {
		return func(ctx context.Context, event ports.Event) error {
			mu.Lock()
			defer mu.Unlock()
			got[name]++
			return nil
		}
	}
	require.NoError(t, bus.Subscribe(ctx, ports.TopicNodeEvents, record("a")))
	require.NoError(t, bus.Subscribe(ctx, ports.TopicNodeEvents, record("b")))
	require.NoError(t, bus.Subscribe(ctx, ports.TopicTaskRequests, record("other")))

	require.NoError(t, bus.Publish(ctx, ports.TopicNodeEvents, ports.Event{ID: "e1", Type: ports.EventTypeStartNode}))
	bus.Wait()

	assert.Equal(t, map[string]int{"a": 1, "b": 1}, got)
}

func TestInMemoryEventBus_HandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	ctx := context.Background()

	delivered := make(chan struct{}, 1)
	require.NoError(t, bus.Subscribe(ctx, "t", func(ctx context.Context, event ports.Event) error {
		return errors.New("boom")
	}))
	require.NoError(t, bus.Subscribe(ctx, "t", func(ctx context.Context, event ports.Event) error {
		delivered <- struct{}{}
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, "t", ports.Event{ID: "e1"}))
	bus.Wait()

	select {
	case <-delivered:
	default:
		t.Fatal("second handler was not called")
	}
}

func TestInMemoryEventBus_CancelledSubscriptionStopsDelivery(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	subCtx, cancel := context.WithCancel(context.Background())

	var calls int
	var mu sync.Mutex
	require.NoError(t, bus.Subscribe(subCtx, "t", func(ctx context.Context, event ports.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}))
	cancel()

	assert.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subscribers["t"]) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "t", ports.Event{ID: "e1"}))
	bus.Wait()
	assert.Zero(t, calls)
}
