package ports

import "time"

// MetricsCollector records engine metrics
type MetricsCollector interface {
	RecordPlanStarted()
	RecordPlanCompleted(status string, duration time.Duration)
	RecordNodeStatus(stepType string, status string)
	ObserveNodeDuration(stepType string, duration time.Duration)
	IncLockFailures(lockKind string)
	IncEventHandlerFailures(eventType string)
	RecordBarrierState(state string)
	SetRestraintQueueDepth(resourceUnit string, depth int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	SetQueueDepth(queue string, depth int)
}
