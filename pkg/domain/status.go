package domain

// Status is the execution state of a node or plan execution
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusPausing             Status = "PAUSING"
	StatusPaused              Status = "PAUSED"
	StatusAsyncWaiting        Status = "ASYNC_WAITING"
	StatusTaskWaiting         Status = "TASK_WAITING"
	StatusTimedWaiting        Status = "TIMED_WAITING"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusResourceWaiting     Status = "RESOURCE_WAITING"
	StatusDiscontinuing       Status = "DISCONTINUING"
	StatusSkipped             Status = "SKIPPED"
	StatusAborted             Status = "ABORTED"
	StatusErrored             Status = "ERRORED"
	StatusFailed              Status = "FAILED"
	StatusExpired             Status = "EXPIRED"
	StatusSuspended           Status = "SUSPENDED"
	StatusSucceeded           Status = "SUCCEEDED"
	StatusIgnoreFailed        Status = "IGNORE_FAILED"
)

// StatusSet is an unordered set of statuses
type StatusSet map[Status]struct{}

// NewStatusSet builds a set from the given statuses
func NewStatusSet(statuses ...Status) StatusSet {
	s := make(StatusSet, len(statuses))
	for _, st := range statuses {
		s[st] = struct{}{}
	}
	return s
}

// Contains reports whether st is a member of the set
func (s StatusSet) Contains(st Status) bool {
	_, ok := s[st]
	return ok
}

// ContainsAll reports whether every status in statuses is a member
func (s StatusSet) ContainsAll(statuses []Status) bool {
	for _, st := range statuses {
		if !s.Contains(st) {
			return false
		}
	}
	return true
}

// Slice returns the members in declaration order
func (s StatusSet) Slice() []Status {
	out := make([]Status, 0, len(s))
	for _, st := range AllStatuses() {
		if s.Contains(st) {
			out = append(out, st)
		}
	}
	return out
}

// AllStatuses returns every known status in declaration order
func AllStatuses() []Status {
	return []Status{
		StatusQueued, StatusRunning, StatusPausing, StatusPaused,
		StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
		StatusInterventionWaiting, StatusResourceWaiting, StatusDiscontinuing,
		StatusSkipped, StatusAborted, StatusErrored, StatusFailed,
		StatusExpired, StatusSuspended, StatusSucceeded, StatusIgnoreFailed,
	}
}

// Classification sets. QUEUED and PAUSED are members of both the finalizable
// and the final sets: "final" means no forward flow happens on its own, not
// that the record is immutable.
var (
	finalizableStatuses = NewStatusSet(
		StatusQueued, StatusRunning, StatusPausing, StatusPaused,
		StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
		StatusInterventionWaiting, StatusResourceWaiting, StatusDiscontinuing,
	)

	finalStatuses = NewStatusSet(
		StatusQueued, StatusSkipped, StatusPaused, StatusAborted,
		StatusErrored, StatusFailed, StatusExpired, StatusSuspended,
		StatusSucceeded, StatusIgnoreFailed,
	)

	positiveStatuses = NewStatusSet(
		StatusSucceeded, StatusSkipped, StatusSuspended, StatusIgnoreFailed,
	)

	brokeStatuses = NewStatusSet(StatusFailed, StatusErrored)

	resumableStatuses = NewStatusSet(
		StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting,
		StatusTimedWaiting, StatusInterventionWaiting, StatusResourceWaiting,
	)

	retryableStatuses = NewStatusSet(
		StatusInterventionWaiting, StatusFailed, StatusErrored, StatusExpired,
	)

	flowingStatuses = NewStatusSet(
		StatusRunning, StatusAsyncWaiting, StatusTaskWaiting,
		StatusTimedWaiting, StatusDiscontinuing, StatusPausing,
	)

	// terminal statuses never move again within one execution
	terminalStatuses = NewStatusSet(
		StatusSkipped, StatusAborted, StatusErrored, StatusFailed,
		StatusExpired, StatusSuspended, StatusSucceeded, StatusIgnoreFailed,
	)
)

func (s Status) IsFinalizable() bool { return finalizableStatuses.Contains(s) }
func (s Status) IsFinal() bool { return finalStatuses.Contains(s) }
func (s Status) IsPositive() bool { return positiveStatuses.Contains(s) }
func (s Status) IsBroke() bool { return brokeStatuses.Contains(s) }
func (s Status) IsResumable() bool { return resumableStatuses.Contains(s) }
func (s Status) IsRetryable() bool { return retryableStatuses.Contains(s) }
func (s Status) IsFlowing() bool { return flowingStatuses.Contains(s) }

// IsTerminal reports whether the status ends an execution for good.
// Unlike IsFinal it excludes QUEUED and PAUSED.
func (s Status) IsTerminal() bool { return terminalStatuses.Contains(s) }

// IsActive reports whether a started execution is still occupying a slot
func (s Status) IsActive() bool {
	return s.IsFinalizable() && s != StatusQueued
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	for _, st := range AllStatuses() {
		if st == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// AggregateStatus folds the outcomes of several executions into one.
// Any abort wins, then errors, failures and expiry. A set made only of
// positive statuses succeeds (IGNORE_FAILED if any child ignored a failure).
// Anything else still in flight aggregates to RUNNING.
func AggregateStatus(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusSucceeded
	}
	has := NewStatusSet(statuses...)
	switch {
	case has.Contains(StatusAborted):
		return StatusAborted
	case has.Contains(StatusErrored):
		return StatusErrored
	case has.Contains(StatusFailed):
		return StatusFailed
	case has.Contains(StatusExpired):
		return StatusExpired
	case positiveStatuses.ContainsAll(statuses):
		if has.Contains(StatusIgnoreFailed) {
			return StatusIgnoreFailed
		}
		return StatusSucceeded
	case has.Contains(StatusInterventionWaiting):
		return StatusInterventionWaiting
	default:
		return StatusRunning
	}
}
