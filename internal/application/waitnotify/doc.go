// Package waitnotify correlates asynchronous completions with the
// executions waiting for them.
//
// A wait instance lists correlation ids and a serializable callback spec.
// Notify stores the response first and then fires every wait whose ids
// all have responses. Firing claims the instance by deleting it, so each
// wait runs its callback at most once even when several workers notify
// concurrently. Callbacks are looked up by kind, so any worker can resume
// any wait.
package waitnotify
