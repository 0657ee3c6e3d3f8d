package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	plansStarted      prometheus.Counter
	plansCompleted    *prometheus.CounterVec
	activePlans       prometheus.Gauge
	planDuration      *prometheus.HistogramVec
	nodeStatus        *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec
	lockFailures      *prometheus.CounterVec
	handlerFailures   *prometheus.CounterVec
	barrierStates     *prometheus.CounterVec
	restraintQueue    *prometheus.GaugeVec
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	queueDepth        *prometheus.GaugeVec
}

// NewCollector registers the engine metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on /metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		plansStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pipengine_plans_started_total",
				Help: "Total number of plan executions started",
			},
		),
		plansCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipengine_plans_completed_total",
				Help: "Total number of plan executions completed",
			},
			[]string{"status"},
		),
		activePlans: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipengine_active_plans",
				Help: "Number of plan executions currently running in this process",
			},
		),
		planDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipengine_plan_duration_seconds",
				Help:    "Plan execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		nodeStatus: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipengine_node_status_total",
				Help: "Node execution status changes",
			},
			[]string{"step_type", "status"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipengine_node_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"step_type"},
		),
		lockFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipengine_lock_failures_total",
				Help: "Persistent locks that could not be acquired",
			},
			[]string{"kind"},
		),
		handlerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipengine_event_handler_failures_total",
				Help: "Orchestration event handlers that returned an error or panicked",
			},
			[]string{"event_type"},
		),
		barrierStates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipengine_barrier_transitions_total",
				Help: "Barrier state transitions",
			},
			[]string{"state"},
		),
		restraintQueue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipengine_restraint_queue_depth",
				Help: "Blocked resource restraint requests per resource unit",
			},
			[]string{"resource_unit"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipengine_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipengine_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipengine_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipengine_queue_depth",
				Help: "Items waiting in an in-process queue",
			},
			[]string{"queue"},
		),
	}
}

// RecordPlanStarted counts a started plan execution
func (c *Collector) RecordPlanStarted() {
	c.plansStarted.Inc()
	c.activePlans.Inc()
}

// RecordPlanCompleted counts a finished plan execution
func (c *Collector) RecordPlanCompleted(status string, duration time.Duration) {
	c.plansCompleted.WithLabelValues(status).Inc()
	c.planDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.activePlans.Dec()
}

// RecordNodeStatus counts a node status change
func (c *Collector) RecordNodeStatus(stepType string, status string) {
	c.nodeStatus.WithLabelValues(stepType, status).Inc()
}

// ObserveNodeDuration records how long a node took to conclude
func (c *Collector) ObserveNodeDuration(stepType string, duration time.Duration) {
	c.nodeDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// IncLockFailures counts a failed lock acquisition by lock kind
func (c *Collector) IncLockFailures(lockKind string) {
	c.lockFailures.WithLabelValues(lockKind).Inc()
}

// IncEventHandlerFailures counts a failed orchestration event handler
func (c *Collector) IncEventHandlerFailures(eventType string) {
	c.handlerFailures.WithLabelValues(eventType).Inc()
}

// RecordBarrierState counts a barrier transition
func (c *Collector) RecordBarrierState(state string) {
	c.barrierStates.WithLabelValues(state).Inc()
}

// SetRestraintQueueDepth sets the number of blocked requests on a unit
func (c *Collector) SetRestraintQueueDepth(resourceUnit string, depth int) {
	c.restraintQueue.WithLabelValues(resourceUnit).Set(float64(depth))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// SetQueueDepth sets the backlog of an in-process queue
func (c *Collector) SetQueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}
