// Package ports declares the boundaries of the orchestration core: durable
// stores, the persistent locker, the worker transport, delegated task
// execution and metrics. Adapters under pkg/adapters implement them.
package ports
