// Package storage provides durable store implementations for the engine.
//
// Implementations:
//   - redis: Redis hashes, sets and sorted sets with JSON values and TTL
//   - memory: In-memory for testing and single process runs
package storage
