package tasks

import (
	"fmt"

	"github.com/aescanero/pipengine/pkg/ports"
	"go.uber.org/zap"
)

// Config holds task executor configuration
type Config struct {
	Backend   string
	Transport ports.EventBus
	Notifier  Notifier
	Logger    *zap.Logger
}

// NewExecutor creates a task executor based on backend
func NewExecutor(cfg *Config) (ports.TaskExecutor, error) {
	switch cfg.Backend {
	case "transport":
		if cfg.Transport == nil {
			return nil, fmt.Errorf("transport task backend requires an event bus")
		}
		return NewTransportExecutor(cfg.Transport, cfg.Logger), nil
	case "local":
		if cfg.Notifier == nil {
			return nil, fmt.Errorf("local task backend requires a notifier")
		}
		local := NewLocalExecutor(cfg.Notifier, cfg.Logger)
		local.Register("echo", Echo)
		return local, nil
	default:
		return nil, fmt.Errorf("unsupported task backend: %s", cfg.Backend)
	}
}
