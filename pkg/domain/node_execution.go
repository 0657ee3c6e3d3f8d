package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeExecution is one invocation of a plan node in a plan execution.
// BranchID is the id of the first node of the sequence it belongs to; the
// parent (or the plan) is notified under it when the sequence ends.
type NodeExecution struct {
	ID                  string                 `json:"id"`
	ParentID            string                 `json:"parent_id,omitempty"`
	PreviousID          string                 `json:"previous_id,omitempty"`
	BranchID            string                 `json:"branch_id,omitempty"`
	PlanExecutionID     string                 `json:"plan_execution_id"`
	StageExecutionID    string                 `json:"stage_execution_id,omitempty"`
	NodeID              string                 `json:"node_id"`
	Identifier          string                 `json:"identifier"`
	Name                string                 `json:"name,omitempty"`
	StepType            string                 `json:"step_type"`
	Mode                ExecutionMode          `json:"mode"`
	Status              Status                 `json:"status"`
	Ambiance            Ambiance               `json:"ambiance"`
	ExecutableResponses []ExecutableResponse   `json:"executable_responses,omitempty"`
	Outcomes            map[string]interface{} `json:"outcomes,omitempty"`
	FailureInfo         *FailureInfo           `json:"failure_info,omitempty"`
	RetryIDs            []string               `json:"retry_ids,omitempty"`
	Settlement          *Settlement            `json:"settlement,omitempty"`
	Version             int64                  `json:"version"`
	CreatedAt           time.Time              `json:"created_at"`
	StartedAt           *time.Time             `json:"started_at,omitempty"`
	EndedAt             *time.Time             `json:"ended_at,omitempty"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// Node execution field names, used for projections and partial storage
const (
	FieldID                  = "id"
	FieldParentID            = "parent_id"
	FieldPreviousID          = "previous_id"
	FieldBranchID            = "branch_id"
	FieldPlanExecutionID     = "plan_execution_id"
	FieldStageExecutionID    = "stage_execution_id"
	FieldNodeID              = "node_id"
	FieldIdentifier          = "identifier"
	FieldName                = "name"
	FieldStepType            = "step_type"
	FieldMode                = "mode"
	FieldStatus              = "status"
	FieldAmbiance            = "ambiance"
	FieldExecutableResponses = "executable_responses"
	FieldOutcomes            = "outcomes"
	FieldFailureInfo         = "failure_info"
	FieldRetryIDs            = "retry_ids"
	FieldSettlement          = "settlement"
	FieldVersion             = "version"
	FieldCreatedAt           = "created_at"
	FieldStartedAt           = "started_at"
	FieldEndedAt             = "ended_at"
	FieldUpdatedAt           = "updated_at"
)

// NodeExecutionFields lists every projectable field
func NodeExecutionFields() []string {
	return []string{
		FieldID, FieldParentID, FieldPreviousID, FieldBranchID, FieldPlanExecutionID,
		FieldStageExecutionID, FieldNodeID, FieldIdentifier, FieldName,
		FieldStepType, FieldMode, FieldStatus, FieldAmbiance,
		FieldExecutableResponses, FieldOutcomes, FieldFailureInfo,
		FieldRetryIDs, FieldSettlement, FieldVersion, FieldCreatedAt, FieldStartedAt,
		FieldEndedAt, FieldUpdatedAt,
	}
}

// Settlement records the effects a concluded node has on the rest of its
// plan. It is created with the concluding transition and marked Done once
// every effect has been applied; a node that ends up terminal with an
// unfinished settlement is settled again on the next delivery.
type Settlement struct {
	ParentNotified bool `json:"parent_notified,omitempty"`
	Done           bool `json:"done,omitempty"`
}

// NeedsSettlement reports whether node concluded without finishing its
// settlement
func (n *NodeExecution) NeedsSettlement() bool {
	return n.Status.IsTerminal() && n.Settlement != nil && !n.Settlement.Done
}

// LatestExecutableResponse returns the last recorded executable response
func (n *NodeExecution) LatestExecutableResponse() (ExecutableResponse, bool) {
	if len(n.ExecutableResponses) == 0 {
		return ExecutableResponse{}, false
	}
	return n.ExecutableResponses[len(n.ExecutableResponses)-1], true
}

// Clone returns a deep copy through the JSON encoding
func (n *NodeExecution) Clone() *NodeExecution {
	fields, err := n.EncodeFields()
	if err != nil {
		panic(fmt.Sprintf("clone node execution %s: %v", n.ID, err))
	}
	out, err := DecodeNodeExecutionFields(fields)
	if err != nil {
		panic(fmt.Sprintf("clone node execution %s: %v", n.ID, err))
	}
	return out
}

// EncodeFields encodes each field as its own JSON document, keyed by field
// name. Storage adapters persist this map so single fields can be read or
// written without touching the rest of the record.
func (n *NodeExecution) EncodeFields() (map[string]string, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node execution: %w", err)
	}
	var parts map[string]json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("failed to split node execution: %w", err)
	}
	out := make(map[string]string, len(parts))
	for k, v := range parts {
		out[k] = string(v)
	}
	return out, nil
}

// DecodeNodeExecutionFields is the inverse of EncodeFields. Missing fields
// keep their zero value, which is how projections are represented.
func DecodeNodeExecutionFields(fields map[string]string) (*NodeExecution, error) {
	parts := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if v == "" {
			continue
		}
		parts[k] = json.RawMessage(v)
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to join node execution: %w", err)
	}
	var n NodeExecution
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node execution: %w", err)
	}
	return &n, nil
}

// Project keeps only the named fields of an encoded record. An empty
// projection keeps everything.
func Project(fields map[string]string, projection []string) map[string]string {
	if len(projection) == 0 {
		return fields
	}
	out := make(map[string]string, len(projection)+1)
	out[FieldID] = fields[FieldID]
	for _, f := range projection {
		if v, ok := fields[f]; ok {
			out[f] = v
		}
	}
	return out
}
