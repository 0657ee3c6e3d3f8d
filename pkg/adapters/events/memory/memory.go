package memory

import (
	"context"
	"sync"

	"github.com/aescanero/pipengine/pkg/ports"
	"go.uber.org/zap"
)

type subscription struct {
	id      uint64
	handler ports.EventHandler
}

// InMemoryEventBus implements ports.EventBus with in-process handlers.
// Every delivery runs on its own goroutine.
type InMemoryEventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	inflight    sync.WaitGroup
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string][]subscription),
		logger:      logger,
	}
}

// Publish delivers an event to all subscribers of a topic
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	e.mu.RLock()
	subs := make([]subscription, len(e.subscribers[topic]))
	copy(subs, e.subscribers[topic])
	e.mu.RUnlock()

	// Deliveries outlive the publisher's request
	deliveryCtx := context.WithoutCancel(ctx)
	for _, sub := range subs {
		e.inflight.Add(1)
		go func(h ports.EventHandler) {
			defer e.inflight.Done()
			if err := h(deliveryCtx, event); err != nil {
				e.logger.Error("event handler failed",
					zap.String("topic", topic),
					zap.String("event_id", event.ID),
					zap.String("type", string(event.Type)),
					zap.Error(err))
			}
		}(sub.handler)
	}

	return nil
}

// Subscribe registers handler for a topic until ctx is cancelled
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subscribers[topic] = append(e.subscribers[topic], subscription{id: id, handler: handler})
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.unsubscribe(topic, id)
	}()

	return nil
}

// Unsubscribe removes all subscriptions from a topic
func (e *InMemoryEventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.subscribers, topic)
	return nil
}

// Wait blocks until every delivery started so far has returned,
// including deliveries those handlers published in turn
func (e *InMemoryEventBus) Wait() {
	e.inflight.Wait()
}

// Close drops all subscribers
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers = make(map[string][]subscription)
	return nil
}

func (e *InMemoryEventBus) unsubscribe(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	for i, s := range subs {
		if s.id == id {
			e.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}
