package domain

import "time"

// PlanNode is the static description of one node of an execution graph
type PlanNode struct {
	ID                    string                 `json:"id" validate:"required"`
	Identifier            string                 `json:"identifier" validate:"required"`
	Name                  string                 `json:"name,omitempty"`
	StepType              string                 `json:"step_type" validate:"required"`
	Group                 string                 `json:"group,omitempty" validate:"omitempty,oneof=PIPELINE STAGE STEP"`
	Mode                  ExecutionMode          `json:"mode,omitempty" validate:"omitempty,oneof=SYNC ASYNC CHILD CHILDREN CHILD_CHAIN TASK"`
	StepParameters        map[string]interface{} `json:"step_parameters,omitempty"`
	NextID                string                 `json:"next_id,omitempty"`
	InterventionOnFailure bool                   `json:"intervention_on_failure,omitempty"`
}

// BarrierSetup declares a barrier and the stages that must reach it
type BarrierSetup struct {
	Identifier string        `json:"identifier" validate:"required"`
	Stages     []string      `json:"stages" validate:"min=1,dive,required"`
	Timeout    time.Duration `json:"timeout,omitempty" validate:"min=0"`
}

// Plan is an execution graph
type Plan struct {
	ID             string               `json:"id" validate:"required"`
	StartingNodeID string               `json:"starting_node_id" validate:"required"`
	Nodes          map[string]*PlanNode `json:"nodes" validate:"required,min=1,dive,required"`
	Barriers       []BarrierSetup       `json:"barriers,omitempty" validate:"dive"`
}

// Node looks up a plan node by id
func (p *Plan) Node(id string) (*PlanNode, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}

// PlanExecution is one run of a plan
type PlanExecution struct {
	ID        string                 `json:"id"`
	Plan      *Plan                  `json:"plan"`
	Status    Status                 `json:"status"`
	Inputs    map[string]interface{} `json:"inputs,omitempty"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}
