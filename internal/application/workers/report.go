package workers

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// QueueName labels the pool backlog in queue depth metrics
const QueueName = "transport"

// Report is a snapshot of the pool served by the health endpoints
type Report struct {
	Workers map[WorkerStatus]int `json:"workers"`
	Backlog int                  `json:"backlog"`
	// BacklogLimit is the queue size; messages beyond it are refused
	BacklogLimit int       `json:"backlog_limit"`
	Serving      bool      `json:"serving"`
	TakenAt      time.Time `json:"taken_at"`
}

// Size is the number of workers the pool runs
func (r *Report) Size() int {
	n := 0
	for _, c := range r.Workers {
		n += c
	}
	return n
}

// Report snapshots the pool. It serves while it runs workers, none of
// them stopped, and its backlog still accepts messages.
func (p *Pool) Report() *Report {
	r := &Report{
		Workers:      make(map[WorkerStatus]int, 3),
		Backlog:      p.QueueLength(),
		BacklogLimit: p.cfg.QueueSize,
		TakenAt:      time.Now(),
	}
	for _, status := range p.GetStatus() {
		r.Workers[status]++
	}
	r.Serving = r.Size() > 0 && r.Workers[WorkerStatusStopped] == 0 && r.Backlog < r.BacklogLimit
	return r
}

// Serving reports whether the pool takes messages
func (p *Pool) Serving() bool {
	return p.Report().Serving
}

// watch records a report every interval until ctx is done
func (p *Pool) watch(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.record(p.Report())
		}
	}
}

func (p *Pool) record(r *Report) {
	idle, busy, stopped := r.Workers[WorkerStatusIdle], r.Workers[WorkerStatusBusy], r.Workers[WorkerStatusStopped]
	p.metrics.RecordWorkerPoolStatus(idle, busy, stopped)
	p.metrics.SetQueueDepth(QueueName, r.Backlog)

	switch {
	case !r.Serving:
		p.logger.Warn("worker pool not serving",
			zap.Int("stopped", stopped),
			zap.Int("backlog", r.Backlog),
			zap.Int("backlog_limit", r.BacklogLimit))
	case busy == r.Size():
		p.logger.Warn("every worker is busy",
			zap.Int("workers", busy),
			zap.Int("backlog", r.Backlog))
	default:
		p.logger.Debug("worker pool report",
			zap.Int("idle", idle),
			zap.Int("busy", busy),
			zap.Int("backlog", r.Backlog))
	}
}
