package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrWorkerStopped is returned when submitting to a stopped worker
var ErrWorkerStopped = errors.New("event worker stopped")

// Worker drains queued deliveries one at a time, preserving submission
// order. The queue is unbounded so publishers never block; a backlog
// reaching warnAt is logged.
type Worker struct {
	logger *zap.Logger
	warnAt int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool
	stopped bool
	done    chan struct{}
}

// NewWorker creates a worker that warns once its backlog reaches warnAt
func NewWorker(warnAt int, logger *zap.Logger) *Worker {
	if warnAt <= 0 {
		warnAt = 1
	}
	w := &Worker{
		logger: logger,
		warnAt: warnAt,
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start launches the draining goroutine
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running || w.stopped {
		return
	}
	w.running = true

	go w.run()

	w.logger.Info("event worker started",
		zap.Int("backlog", len(w.queue)),
		zap.Int("warn_at", w.warnAt))
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		job := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		job()
	}
}

// Submit appends job to the queue
func (w *Worker) Submit(job func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}
	w.queue = append(w.queue, job)
	if len(w.queue) == w.warnAt {
		w.logger.Warn("event worker backlog is growing",
			zap.Int("backlog", len(w.queue)))
	}
	w.cond.Signal()
	return nil
}

// Stop refuses new jobs and waits until the queue is drained or ctx ends.
// A worker that never started drops its queue.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	running := w.running
	if !running {
		w.queue = nil
	}
	w.cond.Broadcast()
	w.mu.Unlock()

	if !running {
		return nil
	}

	select {
	case <-w.done:
		w.logger.Info("event worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued jobs
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}
