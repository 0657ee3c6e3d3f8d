// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Plan submission and abort
//   - Plan, node and barrier inspection
//   - Manual intervention on nodes waiting for it
//   - Task results reported by external executors
//   - Health checks and Prometheus metrics
//
// Errors are rendered as RFC 7807 problem documents.
package http
