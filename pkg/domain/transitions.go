package domain

// TransitionLevel distinguishes node and plan transition rules
type TransitionLevel string

const (
	LevelNode TransitionLevel = "node"
	LevelPlan TransitionLevel = "plan"
)

var (
	waitingEntrySet = NewStatusSet(StatusQueued, StatusRunning)

	runningEntrySet = NewStatusSet(
		StatusQueued, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
		StatusInterventionWaiting, StatusResourceWaiting, StatusPaused, StatusPausing,
	)

	pausedEntrySet = NewStatusSet(StatusQueued, StatusRunning, StatusPausing)

	queuedEntrySet = NewStatusSet(StatusPaused, StatusPausing)

	discontinuingEntrySet = NewStatusSet(
		StatusQueued, StatusRunning, StatusInterventionWaiting, StatusTimedWaiting,
		StatusAsyncWaiting, StatusTaskWaiting, StatusPausing, StatusResourceWaiting,
		StatusPaused,
	)

	planInterventionEntrySet = NewStatusSet(StatusRunning)

	emptySet = NewStatusSet()
)

// LegalPredecessors returns the statuses a node execution may be in
// immediately before entering target. Unknown targets have no predecessors.
func LegalPredecessors(target Status) StatusSet {
	switch target {
	case StatusRunning:
		return runningEntrySet
	case StatusInterventionWaiting:
		return brokeStatuses
	case StatusTimedWaiting, StatusAsyncWaiting, StatusTaskWaiting,
		StatusResourceWaiting, StatusPausing, StatusSkipped:
		return waitingEntrySet
	case StatusPaused:
		return pausedEntrySet
	case StatusDiscontinuing:
		return discontinuingEntrySet
	case StatusQueued:
		return queuedEntrySet
	case StatusAborted, StatusSucceeded, StatusErrored, StatusSuspended,
		StatusFailed, StatusExpired, StatusIgnoreFailed:
		return finalizableStatuses
	default:
		return emptySet
	}
}

// PlanLegalPredecessors is LegalPredecessors for plan executions. A plan
// only waits for intervention while it is running.
func PlanLegalPredecessors(target Status) StatusSet {
	if target == StatusInterventionWaiting {
		return planInterventionEntrySet
	}
	return LegalPredecessors(target)
}

// CheckTransition validates a node level transition
func CheckTransition(from, to Status) error {
	if !LegalPredecessors(to).Contains(from) {
		return &IllegalTransitionError{From: from, To: to, Level: LevelNode}
	}
	return nil
}

// CheckPlanTransition validates a plan level transition
func CheckPlanTransition(from, to Status) error {
	if !PlanLegalPredecessors(to).Contains(from) {
		return &IllegalTransitionError{From: from, To: to, Level: LevelPlan}
	}
	return nil
}
