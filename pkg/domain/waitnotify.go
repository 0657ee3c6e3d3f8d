package domain

import "time"

// CallbackSpec names a callback kind and the data it needs. It is
// serializable so any worker can run the callback.
type CallbackSpec struct {
	Kind            string            `json:"kind"`
	NodeExecutionID string            `json:"node_execution_id,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
}

// WaitInstance waits for notifications on a set of correlation ids
type WaitInstance struct {
	ID             string       `json:"id"`
	OwnerID        string       `json:"owner_id"`
	CorrelationIDs []string     `json:"correlation_ids"`
	Callback       CallbackSpec `json:"callback"`
	CreatedAt      time.Time    `json:"created_at"`
}
