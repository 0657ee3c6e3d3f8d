// Package restraint implements admission control over capacity bounded
// resources. Every decision for a resource unit is taken under that
// unit's lock. Waiters are served by priority, then arrival order, and a
// new request never overtakes a waiter of equal or higher priority.
package restraint
