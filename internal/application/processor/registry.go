package processor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/pipengine/pkg/domain"
)

// Registry maps step types to step implementations
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step. A step must support its own default mode.
func (r *Registry) Register(step Step) error {
	if !Supports(step, step.Mode()) {
		return fmt.Errorf("step %s does not implement its mode %s", step.Type(), step.Mode())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[step.Type()]; exists {
		return fmt.Errorf("step type already registered: %s", step.Type())
	}
	r.steps[step.Type()] = step
	return nil
}

// Get returns the step registered for stepType
func (r *Registry) Get(stepType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStepNotFound, stepType)
	}
	return step, nil
}

// Types lists the registered step types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.steps))
	for t := range r.steps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
