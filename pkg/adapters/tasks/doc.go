// Package tasks provides ports.TaskExecutor implementations.
//
// The factory creates an executor based on backend configuration:
//   - transport: publishes task requests for external workers, who answer
//     on the task.responses topic or the HTTP callback
//   - local: runs registered handlers in-process, for single binary
//     deployments and tests
package tasks
