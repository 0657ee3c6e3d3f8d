package orchestrator

import (
	"errors"
	"fmt"

	"github.com/aescanero/pipengine/internal/application/processor"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidPlan is wrapped by every plan validation failure
var ErrInvalidPlan = errors.New("invalid plan")

// Validator validates plans before they run
type Validator struct {
	validate  *validator.Validate
	processor *processor.Processor
}

// NewValidator creates a plan validator. Step types and modes are checked
// against the processor's registry.
func NewValidator(proc *processor.Processor) *Validator {
	return &Validator{
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		processor: proc,
	}
}

// Validate validates a plan structure
func (v *Validator) Validate(plan *domain.Plan) error {
	if plan == nil {
		return fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	if err := v.validate.Struct(plan); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	if _, exists := plan.Nodes[plan.StartingNodeID]; !exists {
		return fmt.Errorf("%w: starting node %s not found in plan", ErrInvalidPlan, plan.StartingNodeID)
	}

	stages := make(map[string]bool)
	for key, node := range plan.Nodes {
		if err := v.validateNode(plan, key, node); err != nil {
			return fmt.Errorf("%w: node %s: %v", ErrInvalidPlan, key, err)
		}
		if node.Group == domain.GroupStage {
			stages[node.Identifier] = true
		}
	}

	if err := checkSequences(plan); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	// Barriers
	seen := make(map[string]bool)
	for _, b := range plan.Barriers {
		if seen[b.Identifier] {
			return fmt.Errorf("%w: duplicate barrier %s", ErrInvalidPlan, b.Identifier)
		}
		seen[b.Identifier] = true
		for _, stage := range b.Stages {
			if !stages[stage] {
				return fmt.Errorf("%w: barrier %s references unknown stage %s", ErrInvalidPlan, b.Identifier, stage)
			}
		}
	}

	return nil
}

func (v *Validator) validateNode(plan *domain.Plan, key string, node *domain.PlanNode) error {
	if node.ID != key {
		return fmt.Errorf("keyed under %s but has id %s", key, node.ID)
	}

	if node.NextID != "" {
		if _, exists := plan.Nodes[node.NextID]; !exists {
			return fmt.Errorf("next node %s not found", node.NextID)
		}
	}

	if _, err := v.processor.ResolveMode(node); err != nil {
		return err
	}

	step, err := v.processor.Registry().Get(node.StepType)
	if err != nil {
		return err
	}
	if refs, ok := step.(processor.ReferenceProvider); ok {
		for _, ref := range refs.References(node.StepParameters) {
			if _, exists := plan.Nodes[ref]; !exists {
				return fmt.Errorf("references unknown node %s", ref)
			}
		}
	}
	return nil
}

// checkSequences rejects NextID cycles. A sequence longer than the plan
// must revisit a node.
func checkSequences(plan *domain.Plan) error {
	for id := range plan.Nodes {
		current := id
		for steps := 0; current != ""; steps++ {
			if steps > len(plan.Nodes) {
				return fmt.Errorf("cycle in sequence starting at %s", id)
			}
			current = plan.Nodes[current].NextID
		}
	}
	return nil
}
