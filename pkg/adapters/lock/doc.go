// Package lock provides ports.Locker implementations.
//
// Implementations:
//   - redis: leased SET NX PX locks shared by every worker
//   - memory: process local locks with the same lease semantics
package lock
