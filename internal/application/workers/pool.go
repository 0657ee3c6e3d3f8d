package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"go.uber.org/zap"
)

// ErrQueueFull is returned to the transport when no job slot is free. The
// transport redelivers the message later.
var ErrQueueFull = errors.New("worker queue is full")

// MessageHandler processes one transport message
type MessageHandler interface {
	HandleMessage(ctx context.Context, event ports.Event) error
}

// Config holds pool sizing and retry behaviour
type Config struct {
	Size                int
	QueueSize           int
	MaxAttempts         int
	RetryBackoff        time.Duration
	HealthCheckInterval time.Duration
	Topics              []string
	// Readers is the number of transport subscriptions per topic. Each
	// one holds a message until a worker has handled it.
	Readers int
}

// DefaultConfig returns a pool of 10 workers consuming node starts and
// task responses
func DefaultConfig() Config {
	return Config{
		Size:                10,
		QueueSize:           1000,
		MaxAttempts:         3,
		RetryBackoff:        100 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
		Topics:              []string{ports.TopicNodeEvents, ports.TopicTaskResponses},
		Readers:             1,
	}
}

// Pool manages a pool of worker goroutines
type Pool struct {
	cfg      Config
	eventBus ports.EventBus
	handler  MessageHandler
	metrics  ports.MetricsCollector
	logger   *zap.Logger

	jobs    chan job
	workers []*worker
	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// job is a message waiting for a worker. The worker reports the outcome on
// done so the transport only acknowledges handled messages.
type job struct {
	event ports.Event
	done  chan error
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool. Zero config fields take their
// defaults.
func NewPool(
	cfg Config,
	eventBus ports.EventBus,
	handler MessageHandler,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Pool {
	defaults := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = defaults.Size
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = defaults.Topics
	}
	if cfg.Readers <= 0 {
		cfg.Readers = defaults.Readers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:      cfg,
		eventBus: eventBus,
		handler:  handler,
		metrics:  metrics,
		logger:   logger,
		jobs:     make(chan job, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the transport and starts the workers
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.cfg.Size))

	p.mu.Lock()
	p.workers = make([]*worker, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}
	p.mu.Unlock()

	for _, topic := range p.cfg.Topics {
		for i := 0; i < p.cfg.Readers; i++ {
			if err := p.eventBus.Subscribe(p.ctx, topic, p.enqueue); err != nil {
				p.cancel()
				return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
			}
		}
	}

	p.wg.Add(1)
	go p.watch(p.ctx, p.cfg.HealthCheckInterval)

	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Size),
		zap.Int("readers_per_topic", p.cfg.Readers),
		zap.Strings("topics", p.cfg.Topics))
	return nil
}

// Shutdown stops the workers, waiting for in-flight jobs until ctx is done
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := make(map[string]WorkerStatus, len(p.workers))
	for _, w := range p.workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// QueueLength returns the number of messages waiting for a worker
func (p *Pool) QueueLength() int {
	return len(p.jobs)
}

// enqueue is the transport handler. It hands the message to a worker and
// returns the worker's outcome, so a message is only acknowledged once it
// was handled. A full queue is refused at once.
func (p *Pool) enqueue(ctx context.Context, event ports.Event) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
	}

	j := job{event: event, done: make(chan error, 1)}
	select {
	case p.jobs <- j:
	default:
		p.metrics.IncEventHandlerFailures(string(event.Type))
		p.logger.Warn("worker queue full, rejecting message",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Int("queue_size", p.cfg.QueueSize))
		return ErrQueueFull
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped)
			w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
			return
		case j := <-w.pool.jobs:
			j.done <- w.handle(ctx, j.event)
		}
	}
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status = status
	if status == WorkerStatusBusy {
		w.lastJob = time.Now()
	}
}

// handle processes one message, retrying while a lock is contended
func (w *worker) handle(ctx context.Context, event ports.Event) error {
	w.setStatus(WorkerStatusBusy)
	defer w.setStatus(WorkerStatusIdle)

	startTime := time.Now()
	backoff := w.pool.cfg.RetryBackoff

	var err error
	for attempt := 1; attempt <= w.pool.cfg.MaxAttempts; attempt++ {
		err = w.pool.handler.HandleMessage(ctx, event)
		if err == nil || !domain.IsLockNotAcquired(err) || attempt == w.pool.cfg.MaxAttempts {
			break
		}

		w.pool.logger.Debug("lock contended, retrying message",
			zap.String("worker_id", w.id),
			zap.String("event_id", event.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if err != nil {
		w.pool.metrics.IncEventHandlerFailures(string(event.Type))
		w.pool.logger.Error("message handling failed, leaving it to the transport",
			zap.String("worker_id", w.id),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("plan_execution_id", event.ExecutionID),
			zap.Error(err))
		return err
	}

	w.pool.logger.Debug("message handled",
		zap.String("worker_id", w.id),
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Duration("duration", time.Since(startTime)))
	return nil
}
