// Package events provides the worker transport implementations of
// ports.EventBus.
//
// Implementations:
//   - redis: Redis Streams with consumer groups, shared by every worker
//   - memory: In-process delivery for single binary deployments and tests
package events
