package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamsEventBus implements ports.EventBus using Redis Streams. Every
// worker joins the same consumer group, so each message is handled once.
// Messages whose handler failed stay pending and are reclaimed after
// claimIdle.
type StreamsEventBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
	maxLen        int64
	claimIdle     time.Duration
	ephemeral     bool

	mu      sync.Mutex
	readers map[string][]context.CancelFunc
	streams map[string]struct{}
	wg      sync.WaitGroup
}

// Option tunes a StreamsEventBus
type Option func(*StreamsEventBus)

// WithMaxLen caps each stream approximately at n entries
func WithMaxLen(n int64) Option {
	return func(e *StreamsEventBus) { e.maxLen = n }
}

// WithClaimIdle sets how long a pending message waits before another
// consumer reclaims it
func WithClaimIdle(d time.Duration) Option {
	return func(e *StreamsEventBus) { e.claimIdle = d }
}

// WithEphemeralGroup makes the consumer group read only messages published
// after it subscribed, and destroys the group on Close
func WithEphemeralGroup() Option {
	return func(e *StreamsEventBus) { e.ephemeral = true }
}

// NewStreamsEventBus creates a new Redis Streams event bus
func NewStreamsEventBus(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger, opts ...Option) (*StreamsEventBus, error) {
	if consumerGroup == "" || consumerName == "" {
		return nil, errors.New("consumer group and consumer name are required")
	}
	e := &StreamsEventBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		maxLen:        100000,
		claimIdle:     time.Minute,
		readers:       make(map[string][]context.CancelFunc),
		streams:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Publish appends an event to the topic's stream
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	streamKey := getStreamKey(topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("topic", topic),
		zap.String("stream", streamKey))

	return nil
}

// Subscribe starts consuming a topic until ctx is cancelled or the topic
// is unsubscribed
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	streamKey := getStreamKey(topic)

	start := "0"
	if e.ephemeral {
		start = "$"
	}
	err := e.client.XGroupCreateMkStream(ctx, streamKey, e.consumerGroup, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.readers[topic] = append(e.readers[topic], cancel)
	e.streams[streamKey] = struct{}{}
	e.mu.Unlock()

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("topic", topic),
		zap.String("consumer_group", e.consumerGroup),
		zap.String("consumer", e.consumerName))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readStream(readCtx, streamKey, handler)
	}()

	return nil
}

// readStream reads new messages and periodically reclaims stale pending ones
func (e *StreamsEventBus) readStream(ctx context.Context, streamKey string, handler ports.EventHandler) {
	lastClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(lastClaim) >= e.claimIdle {
			e.reclaim(ctx, streamKey, handler)
			lastClaim = time.Now()
		}

		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    e.consumerGroup,
			Consumer: e.consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				e.processMessage(ctx, streamKey, message, handler)
			}
		}
	}
}

// reclaim takes over messages left pending by failed handlers or dead
// consumers
func (e *StreamsEventBus) reclaim(ctx context.Context, streamKey string, handler ports.EventHandler) {
	messages, _, err := e.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    e.consumerGroup,
		Consumer: e.consumerName,
		MinIdle:  e.claimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			e.logger.Warn("failed to reclaim pending messages",
				zap.String("stream", streamKey),
				zap.Error(err))
		}
		return
	}
	for _, message := range messages {
		e.processMessage(ctx, streamKey, message, handler)
	}
}

// processMessage handles a single message and acknowledges it on success
func (e *StreamsEventBus) processMessage(ctx context.Context, streamKey string, message redis.XMessage, handler ports.EventHandler) {
	data, ok := message.Values["data"].(string)
	if !ok {
		e.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		e.ack(ctx, streamKey, message.ID)
		return
	}

	var event ports.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		e.ack(ctx, streamKey, message.ID)
		return
	}

	if err := handler(ctx, event); err != nil {
		e.logger.Error("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return
	}

	e.ack(ctx, streamKey, message.ID)
}

func (e *StreamsEventBus) ack(ctx context.Context, streamKey, messageID string) {
	if err := e.client.XAck(ctx, streamKey, e.consumerGroup, messageID).Err(); err != nil {
		e.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// Unsubscribe stops every reader of a topic. The consumer stays in the
// group so its pending messages can be reclaimed.
func (e *StreamsEventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	cancels := e.readers[topic]
	delete(e.readers, topic)
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Close stops all readers and waits for them to return. The Redis client
// is closed by its owner.
func (e *StreamsEventBus) Close() error {
	e.mu.Lock()
	for topic, cancels := range e.readers {
		for _, cancel := range cancels {
			cancel()
		}
		delete(e.readers, topic)
	}
	streams := make([]string, 0, len(e.streams))
	for key := range e.streams {
		streams = append(streams, key)
	}
	e.mu.Unlock()

	e.wg.Wait()

	if !e.ephemeral {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, key := range streams {
		if err := e.client.XGroupDestroy(ctx, key, e.consumerGroup).Err(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy consumer group on %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// getStreamKey returns the Redis stream key for a topic
func getStreamKey(topic string) string {
	return fmt.Sprintf("pipengine:events:%s", topic)
}
