// Package definition statically validates workflow definitions before any
// instance may be created from them.
package definition

import (
	"fmt"

	"github.com/aviisi/virta/pkg/api"
)

// Validator checks candidate definitions. It fails fast with a descriptive
// error and never partially applies anything.
type Validator struct {
	// FormExists, when set, is consulted for steps whose config references
	// a form ("form_id"). Form storage lives outside the engine.
	FormExists func(formID string) bool
}

// New creates a Validator with no form lookup.
func New() *Validator {
	return &Validator{}
}

// Result carries non-fatal findings from a successful validation.
type Result struct {
	// UnreachableSteps lists step ids that cannot be reached from the
	// start step via transitions. They are legal but usually an
	// authoring mistake.
	UnreachableSteps []string
}

// Validate checks a candidate definition. It runs at definition
// create/update time and again defensively before first execution.
func (v *Validator) Validate(def api.WorkflowDefinition) (Result, error) {
	if len(def.Steps) == 0 {
		return Result{}, api.NewValidationError("", "definition must have at least one step")
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == "" {
			return Result{}, api.NewValidationError("", "step with empty id")
		}
		if !s.Type.Valid() {
			return Result{}, api.NewValidationError(s.ID, "unknown step type %q", s.Type)
		}
		if seen[s.ID] {
			return Result{}, api.NewValidationError(s.ID, "duplicate step id")
		}
		seen[s.ID] = true

		if formID := s.ConfigString("form_id"); formID != "" && v.FormExists != nil {
			if !v.FormExists(formID) {
				return Result{}, api.NewValidationError(s.ID, "referenced form %q does not exist", formID)
			}
		}
	}

	start, err := def.StartStep()
	if err != nil {
		return Result{}, api.NewValidationError("", "%v", err)
	}

	type edge struct{ from, to string }
	seenEdges := make(map[edge]bool, len(def.Transitions))
	for _, t := range def.Transitions {
		if !seen[t.From] {
			return Result{}, api.NewValidationError(t.From, "transition references unknown source step")
		}
		if !seen[t.To] {
			return Result{}, api.NewValidationError(t.To, "transition references unknown target step")
		}
		if err := validateCondition(t.Condition); err != nil {
			return Result{}, api.NewValidationError(t.From, "transition to %q: %v", t.To, err)
		}
		e := edge{t.From, t.To}
		if seenEdges[e] && t.Condition == nil {
			return Result{}, api.NewValidationError(t.From, "duplicate unconditional transition to %q", t.To)
		}
		seenEdges[e] = true
	}

	return Result{UnreachableSteps: unreachable(def, start.ID)}, nil
}

func validateCondition(c *api.Condition) error {
	if c == nil {
		return nil
	}
	switch c.Kind() {
	case api.CondExpr:
		return nil
	case api.CondComposite:
		switch c.Logic {
		case api.LogicAnd, api.LogicOr:
			if len(c.Conditions) == 0 {
				return fmt.Errorf("%s requires at least one sub-condition", c.Logic)
			}
		case api.LogicNot:
			if len(c.Conditions) != 1 {
				return fmt.Errorf("NOT requires exactly one sub-condition, got %d", len(c.Conditions))
			}
		default:
			return fmt.Errorf("unknown logic operator %q", c.Logic)
		}
		for i := range c.Conditions {
			if err := validateCondition(&c.Conditions[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		if c.Field == "" {
			return fmt.Errorf("simple condition requires a field")
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("unknown operator %q", c.Operator)
		}
		return nil
	}
}

// unreachable walks the transition graph from the start step and returns
// the ids of steps that were never visited, in declaration order.
// Condition-step branches and parallel/loop children are named in step
// config rather than transitions, so those targets count as reachable too.
func unreachable(def api.WorkflowDefinition, startID string) []string {
	visited := make(map[string]bool, len(def.Steps))
	stack := []string{startID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		for _, t := range def.TransitionsFrom(id) {
			stack = append(stack, t.To)
		}
		if step, ok := def.StepByID(id); ok {
			for _, key := range []string{"steps", "then_steps", "else_steps", "body_steps"} {
				stack = append(stack, step.ConfigStrings(key)...)
			}
		}
	}

	var out []string
	for _, s := range def.Steps {
		if !visited[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}
