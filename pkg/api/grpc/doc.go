// Package grpc exposes the standard gRPC health service. The serving
// status follows the health of the worker pool.
package grpc
