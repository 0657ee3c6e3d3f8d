package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Monitor expires overdue barriers and restraint waiters on every tick
// until ctx is done
func (e *Engine) Monitor(ctx context.Context) {
	interval := e.cfg.MonitorInterval
	if interval <= 0 {
		interval = DefaultConfig().MonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ExpireOverdue(ctx); err != nil {
				e.logger.Error("failed to expire overdue waits", zap.Error(err))
			}
		}
	}
}

// ExpireOverdue expires barriers and restraint waiters past their deadline
func (e *Engine) ExpireOverdue(ctx context.Context) error {
	now := e.now()

	barriers, berr := e.barriers.ExpireOverdue(ctx, now)
	restraints, rerr := e.restraints.ExpireOverdue(ctx, now)

	if barriers > 0 || restraints > 0 {
		e.logger.Info("expired overdue waits",
			zap.Int("barriers", barriers),
			zap.Int("restraints", restraints))
	}
	return errors.Join(berr, rerr)
}
