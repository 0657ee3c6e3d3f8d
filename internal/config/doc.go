// Package config loads engine settings from environment variables.
//
// Settings cover the listening ports, the storage backend (redis or
// memory), the worker pool, engine lock and timeout tuning, configured
// resource restraints, the task backend and tracing. Every value has a
// default suitable for local development:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP API on %s, gRPC health on %s\n", cfg.GetHTTPAddr(), cfg.GetGRPCAddr())
package config
