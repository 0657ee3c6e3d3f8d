// Package workers implements the worker pool that drives the engine from
// the transport.
//
// The pool subscribes to node start messages and task responses, queues
// them, and hands each one to a fixed number of worker goroutines that:
//   - Pass the message to the engine (start a node, deliver a response)
//   - Retry when a per-entity lock could not be acquired
//   - Track their own idle/busy/stopped status
//
// The transport handler returns the worker's outcome, so the transport
// acknowledges only handled messages. Pool.Report backs the health
// endpoints and is recorded as metrics on every health tick.
package workers
