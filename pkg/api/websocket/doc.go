// Package websocket provides real-time event streaming via WebSocket.
//
// Clients can connect to /api/v1/plans/:id/ws to receive the
// orchestration events of one plan execution as they happen.
package websocket
