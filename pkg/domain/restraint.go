package domain

import "time"

// HoldingScope decides which execution releases a restraint permit
type HoldingScope string

const (
	ScopePipeline HoldingScope = "PIPELINE"
	ScopeStage    HoldingScope = "STAGE"
	ScopeStep     HoldingScope = "STEP"
)

// AcquireMode controls how repeated acquisitions are counted
type AcquireMode string

const (
	// AcquireEnsure is idempotent per release entity
	AcquireEnsure AcquireMode = "ENSURE"
	// AcquireAccumulate counts every request
	AcquireAccumulate AcquireMode = "ACCUMULATE"
)

// RestraintState is the lifecycle state of a restraint instance
type RestraintState string

const (
	RestraintBlocked  RestraintState = "BLOCKED"
	RestraintActive   RestraintState = "ACTIVE"
	RestraintFinished RestraintState = "FINISHED"
	RestraintRejected RestraintState = "REJECTED"
)

// ResourceRestraint is a named, capacity bounded resource
type ResourceRestraint struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

// ResourceRestraintInstance is one request for permits on a resource unit
type ResourceRestraintInstance struct {
	ID              string         `json:"id"`
	RestraintID     string         `json:"restraint_id"`
	ResourceUnit    string         `json:"resource_unit"`
	Scope           HoldingScope   `json:"scope"`
	ReleaseEntityID string         `json:"release_entity_id"`
	AcquireMode     AcquireMode    `json:"acquire_mode"`
	Permits         int            `json:"permits"`
	Priority        int            `json:"priority,omitempty"`
	Order           int64          `json:"order"`
	State           RestraintState `json:"state"`
	NodeExecutionID string         `json:"node_execution_id,omitempty"`
	PlanExecutionID string         `json:"plan_execution_id,omitempty"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Overdue reports whether a BLOCKED instance has passed its deadline
func (r *ResourceRestraintInstance) Overdue(now time.Time) bool {
	return r.State == RestraintBlocked && r.Deadline != nil && !now.Before(*r.Deadline)
}

// Holds reports whether the instance is still queued or holding permits
func (r *ResourceRestraintInstance) Holds() bool {
	return r.State == RestraintActive || r.State == RestraintBlocked
}
