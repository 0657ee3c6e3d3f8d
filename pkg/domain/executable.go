package domain

// ExecutionMode is the strategy a step uses to run and resume
type ExecutionMode string

const (
	ModeSync       ExecutionMode = "SYNC"
	ModeAsync      ExecutionMode = "ASYNC"
	ModeChild      ExecutionMode = "CHILD"
	ModeChildren   ExecutionMode = "CHILDREN"
	ModeChildChain ExecutionMode = "CHILD_CHAIN"
	ModeTask       ExecutionMode = "TASK"
)

// IsValid reports whether m is a known mode
func (m ExecutionMode) IsValid() bool {
	switch m {
	case ModeSync, ModeAsync, ModeChild, ModeChildren, ModeChildChain, ModeTask:
		return true
	}
	return false
}

// WaitingStatus is the status a node sits in while suspended in this mode.
// Child based modes keep the parent RUNNING.
func (m ExecutionMode) WaitingStatus() Status {
	switch m {
	case ModeAsync:
		return StatusAsyncWaiting
	case ModeTask:
		return StatusTaskWaiting
	default:
		return StatusRunning
	}
}

// FailureInfo describes why an execution broke
type FailureInfo struct {
	Message     string `json:"message"`
	FailureType string `json:"failure_type,omitempty"`
}

// Failure types
const (
	FailureTypeApplication   = "APPLICATION"
	FailureTypeTimeout       = "TIMEOUT"
	FailureTypeEngine        = "ENGINE"
	FailureTypeUnknownParent = "MISSING_PARENT_STATE"
)

// StepResponse is the normalized, final result of running a step
type StepResponse struct {
	Status      Status                 `json:"status"`
	Outcomes    map[string]interface{} `json:"outcomes,omitempty"`
	FailureInfo *FailureInfo           `json:"failure_info,omitempty"`
}

// AsyncExecutableResponse is returned by async steps: the correlation keys
// whose notifications will resume the node
type AsyncExecutableResponse struct {
	CallbackIDs []string          `json:"callback_ids"`
	Status      Status            `json:"status,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// ChildExecutableResponse names the single plan node to execute as a child
type ChildExecutableResponse struct {
	ChildNodeID string `json:"child_node_id"`
}

// ChildrenExecutableResponse names several children to execute, optionally
// bounded by MaxConcurrency (zero means unbounded)
type ChildrenExecutableResponse struct {
	ChildNodeIDs   []string `json:"child_node_ids"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
}

// ChildChainExecutableResponse drives sequential children. When Finished is
// set no further child is started and the step is finalized.
type ChildChainExecutableResponse struct {
	NextChildNodeID string                 `json:"next_child_node_id,omitempty"`
	Finished        bool                   `json:"finished,omitempty"`
	PassThrough     map[string]interface{} `json:"pass_through,omitempty"`
}

// TaskRequest is work delegated to an external worker
type TaskRequest struct {
	TaskID          string                 `json:"task_id"`
	TaskType        string                 `json:"task_type"`
	NodeExecutionID string                 `json:"node_execution_id"`
	PlanExecutionID string                 `json:"plan_execution_id"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
}

// TaskExecutableResponse records a submitted task
type TaskExecutableResponse struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
}

// ExecutableResponse is the tagged union of per-mode results recorded on a
// node execution. Exactly one field is set.
type ExecutableResponse struct {
	Sync       *StepResponse                 `json:"sync,omitempty"`
	Async      *AsyncExecutableResponse      `json:"async,omitempty"`
	Child      *ChildExecutableResponse      `json:"child,omitempty"`
	Children   *ChildrenExecutableResponse   `json:"children,omitempty"`
	ChildChain *ChildChainExecutableResponse `json:"child_chain,omitempty"`
	Task       *TaskExecutableResponse       `json:"task,omitempty"`
}

// Mode reports which variant is populated
func (r ExecutableResponse) Mode() ExecutionMode {
	switch {
	case r.Sync != nil:
		return ModeSync
	case r.Async != nil:
		return ModeAsync
	case r.Child != nil:
		return ModeChild
	case r.Children != nil:
		return ModeChildren
	case r.ChildChain != nil:
		return ModeChildChain
	case r.Task != nil:
		return ModeTask
	}
	return ""
}

// ResponseData is what a notification carries back to a waiting node
type ResponseData struct {
	CorrelationID   string                 `json:"correlation_id"`
	NodeExecutionID string                 `json:"node_execution_id,omitempty"`
	Status          Status                 `json:"status,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// IsError reports whether the notification reports a failure
func (r ResponseData) IsError() bool {
	return r.Error != "" || r.Status.IsBroke()
}
