package steps

import (
	"github.com/aescanero/pipengine/internal/application/processor"
	"go.uber.org/zap"
)

// Dependencies are the services built-in steps call
type Dependencies struct {
	Barriers   BarrierDropper
	Restraints RestraintAcquirer
	Notifier   Notifier
	Logger     *zap.Logger
}

// RegisterBuiltins adds every built-in step to reg
func RegisterBuiltins(reg *processor.Registry, deps Dependencies) error {
	builtins := []processor.Step{
		Noop{},
		Section{},
		Fork{},
		Chain{},
		Task{},
		NewBarrier(deps.Barriers, deps.Logger),
		NewResourceConstraint(deps.Restraints, deps.Notifier),
	}
	for _, step := range builtins {
		if err := reg.Register(step); err != nil {
			return err
		}
	}
	return nil
}
