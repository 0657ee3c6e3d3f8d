// Package noop provides a ports.MetricsCollector that records nothing,
// used when metrics are disabled.
package noop

import "time"

// Collector discards every metric
type Collector struct{}

// NewCollector creates a discarding collector
func NewCollector() *Collector { return &Collector{} }

func (Collector) RecordPlanStarted() {}
func (Collector) RecordPlanCompleted(status string, d time.Duration) {}
func (Collector) RecordNodeStatus(stepType string, status string) {}
func (Collector) ObserveNodeDuration(stepType string, d time.Duration) {}
func (Collector) IncLockFailures(lockKind string) {}
func (Collector) IncEventHandlerFailures(eventType string) {}
func (Collector) RecordBarrierState(state string) {}
func (Collector) SetRestraintQueueDepth(resourceUnit string, n int) {}
func (Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {}
func (Collector) SetQueueDepth(queue string, n int) {}
