package domain

import "time"

// ConcurrentChildInstance tracks bounded fan-out of one parent. Cursor is
// the index of the most recently dispatched child.
type ConcurrentChildInstance struct {
	ParentID                 string    `json:"parent_id"`
	ChildrenNodeExecutionIDs []string  `json:"children_node_execution_ids"`
	Cursor                   int       `json:"cursor"`
	MaxConcurrency           int       `json:"max_concurrency"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// Exhausted reports whether every child has been dispatched
func (c *ConcurrentChildInstance) Exhausted() bool {
	return c.Cursor >= len(c.ChildrenNodeExecutionIDs)
}
