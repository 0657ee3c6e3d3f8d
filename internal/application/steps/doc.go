// Package steps holds the built-in step types of the engine.
//
//   - NOOP: sync step concluding with a configured status
//   - SECTION: runs a single child node
//   - FORK: runs several children, optionally bounded by max_concurrency
//   - CHAIN: runs children one after another, stopping at the first failure
//   - BARRIER: drops the enclosing stage into a barrier and waits for it
//   - RESOURCE_CONSTRAINT: acquires permits on a resource restraint
//   - TASK: delegates work to an external worker
package steps
