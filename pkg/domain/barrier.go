package domain

import "time"

// BarrierState is the state of a barrier instance
type BarrierState string

const (
	BarrierUp       BarrierState = "UP"
	BarrierDown     BarrierState = "DOWN"
	BarrierTimedOut BarrierState = "TIMED_OUT"
)

// BarrierArrival records one branch reaching the barrier
type BarrierArrival struct {
	BranchID        string    `json:"branch_id"`
	NodeExecutionID string    `json:"node_execution_id,omitempty"`
	ArrivedAt       time.Time `json:"arrived_at"`
}

// BarrierExecutionInstance is a barrier inside one plan execution
type BarrierExecutionInstance struct {
	ID              string                    `json:"id"`
	Identifier      string                    `json:"identifier"`
	PlanExecutionID string                    `json:"plan_execution_id"`
	Stages          []string                  `json:"stages"`
	State           BarrierState              `json:"state"`
	Arrivals        map[string]BarrierArrival `json:"arrivals"`
	Deadline        *time.Time                `json:"deadline,omitempty"`
	Version         int64                     `json:"version"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// BarrierInstanceID derives the instance id from its plan and identifier
func BarrierInstanceID(planExecutionID, identifier string) string {
	return planExecutionID + ":" + identifier
}

// IsExpected reports whether branchID participates in the barrier
func (b *BarrierExecutionInstance) IsExpected(branchID string) bool {
	for _, s := range b.Stages {
		if s == branchID {
			return true
		}
	}
	return false
}

// AllArrived reports whether every participating stage has dropped
func (b *BarrierExecutionInstance) AllArrived() bool {
	for _, s := range b.Stages {
		if _, ok := b.Arrivals[s]; !ok {
			return false
		}
	}
	return true
}

// Overdue reports whether an UP barrier has passed its deadline
func (b *BarrierExecutionInstance) Overdue(now time.Time) bool {
	return b.State == BarrierUp && b.Deadline != nil && !now.Before(*b.Deadline)
}
