package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeExecutionNotFound indicates no node execution exists for the id
	ErrNodeExecutionNotFound = errors.New("node execution not found")

	// ErrPlanExecutionNotFound indicates no plan execution exists for the id
	ErrPlanExecutionNotFound = errors.New("plan execution not found")

	// ErrStatusConflict indicates a conditional status write lost a race
	ErrStatusConflict = errors.New("status conflict")

	// ErrIllegalTransition is matched by every *IllegalTransitionError
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrLockNotAcquired indicates the locker could not grant a lock in time
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrBarrierNotFound indicates a drop into a barrier that was never registered
	ErrBarrierNotFound = errors.New("barrier not found")

	// ErrMissingConcurrencyState indicates a child completion arrived for a
	// parent without a concurrent child instance
	ErrMissingConcurrencyState = errors.New("concurrent child instance missing")

	// ErrRestraintNotFound indicates an unknown resource restraint
	ErrRestraintNotFound = errors.New("resource restraint not found")

	// ErrRestraintInstanceNotFound indicates an unknown restraint instance
	ErrRestraintInstanceNotFound = errors.New("resource restraint instance not found")

	// ErrWaitInstanceNotFound indicates an unknown wait instance
	ErrWaitInstanceNotFound = errors.New("wait instance not found")

	// ErrUnsupportedMode indicates a step does not implement the requested mode
	ErrUnsupportedMode = errors.New("unsupported execution mode")

	// ErrStepNotFound indicates no step is registered for a step type
	ErrStepNotFound = errors.New("step type not registered")
)

// IllegalTransitionError is returned when a status change is not allowed
type IllegalTransitionError struct {
	From  Status
	To    Status
	Level TransitionLevel
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.Level, e.From, e.To)
}

// Is lets errors.Is match ErrIllegalTransition
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// LockError wraps a failure to acquire a named lock
type LockError struct {
	Name string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("acquire lock %s: %v", e.Name, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// IsLockNotAcquired checks if an error indicates lock acquisition failure
func IsLockNotAcquired(err error) bool {
	return errors.Is(err, ErrLockNotAcquired)
}

// IsNotFound checks if an error indicates a missing record of any kind
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNodeExecutionNotFound) ||
		errors.Is(err, ErrPlanExecutionNotFound) ||
		errors.Is(err, ErrBarrierNotFound) ||
		errors.Is(err, ErrRestraintNotFound) ||
		errors.Is(err, ErrRestraintInstanceNotFound) ||
		errors.Is(err, ErrWaitInstanceNotFound)
}
