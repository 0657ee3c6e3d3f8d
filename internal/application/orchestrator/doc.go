// Package orchestrator drives plan executions.
//
// The engine coordinates node executions by:
//   - Validating plans and registering their barriers
//   - Starting, resuming and concluding node executions through the processor
//   - Advancing sequences and notifying parents when a branch ends
//   - Aborting nodes and plans, and applying manual interventions
//   - Publishing orchestration events on the event bus
//
// A parent waits on the branch id of each child. The branch id is the id of
// the first node of a sequence; successors and retries inherit it, so the
// parent is resumed only when the whole sequence has ended.
package orchestrator
