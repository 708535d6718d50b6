package definition

import (
	"errors"
	"testing"

	"github.com/aviisi/virta/pkg/api"
)

func approvalChain() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "expense-approval",
		Steps: []api.Step{
			{ID: "submit", Type: api.StepTask, Config: map[string]any{"assignee": "initiator"}},
			{ID: "review", Type: api.StepApproval, Config: map[string]any{"assignee": "role:manager"}},
			{ID: "reimburse", Type: api.StepAutomation, Config: map[string]any{"type": "api_call", "url": "https://x"}},
		},
		Transitions: []api.Transition{
			{From: "submit", To: "review"},
			{From: "review", To: "reimburse", Condition: &api.Condition{
				Field: "approved", Operator: api.OpEquals, Value: true,
			}},
		},
	}
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	result, err := New().Validate(approvalChain())
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(result.UnreachableSteps) != 0 {
		t.Fatalf("unexpected unreachable steps: %v", result.UnreachableSteps)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*api.WorkflowDefinition)
	}{
		{"no steps", func(d *api.WorkflowDefinition) { d.Steps = nil }},
		{"empty step id", func(d *api.WorkflowDefinition) { d.Steps[0].ID = "" }},
		{"duplicate step id", func(d *api.WorkflowDefinition) { d.Steps[1].ID = "submit" }},
		{"unknown step type", func(d *api.WorkflowDefinition) { d.Steps[0].Type = "teleport" }},
		{"dangling transition source", func(d *api.WorkflowDefinition) { d.Transitions[0].From = "ghost" }},
		{"dangling transition target", func(d *api.WorkflowDefinition) { d.Transitions[0].To = "ghost" }},
		{"condition without field", func(d *api.WorkflowDefinition) {
			d.Transitions[1].Condition = &api.Condition{Operator: api.OpEquals, Value: 1}
		}},
		{"unknown operator", func(d *api.WorkflowDefinition) {
			d.Transitions[1].Condition = &api.Condition{Field: "x", Operator: "almost_equals"}
		}},
		{"empty AND", func(d *api.WorkflowDefinition) {
			d.Transitions[1].Condition = &api.Condition{Logic: api.LogicAnd}
		}},
		{"NOT with two children", func(d *api.WorkflowDefinition) {
			d.Transitions[1].Condition = &api.Condition{Logic: api.LogicNot, Conditions: []api.Condition{
				{Field: "a", Operator: api.OpIsEmpty},
				{Field: "b", Operator: api.OpIsEmpty},
			}}
		}},
		{"duplicate unconditional transition", func(d *api.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, api.Transition{From: "submit", To: "review"})
		}},
		{"two start steps", func(d *api.WorkflowDefinition) {
			d.Steps[0].IsStart = true
			d.Steps[1].IsStart = true
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := approvalChain()
			tc.mutate(&def)

			_, err := New().Validate(def)
			if err == nil {
				t.Fatal("Validate should have failed")
			}
			var verr *api.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("want ValidationError, got %T: %v", err, err)
			}
		})
	}
}

func TestValidateReportsUnreachableSteps(t *testing.T) {
	def := approvalChain()
	def.Steps = append(def.Steps, api.Step{ID: "orphan", Type: api.StepNotification})

	result, err := New().Validate(def)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(result.UnreachableSteps) != 1 || result.UnreachableSteps[0] != "orphan" {
		t.Fatalf("want [orphan], got %v", result.UnreachableSteps)
	}
}

func TestValidateTreatsConfigChildrenAsReachable(t *testing.T) {
	def := api.WorkflowDefinition{
		Name: "fanout",
		Steps: []api.Step{
			{ID: "start", Type: api.StepParallel, Config: map[string]any{
				"steps": []any{"branch_a", "branch_b"},
			}},
			{ID: "branch_a", Type: api.StepAutomation, Config: map[string]any{"type": "data_transformation"}},
			{ID: "branch_b", Type: api.StepAutomation, Config: map[string]any{"type": "data_transformation"}},
		},
	}

	result, err := New().Validate(def)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(result.UnreachableSteps) != 0 {
		t.Fatalf("parallel branches should be reachable, got %v", result.UnreachableSteps)
	}
}

func TestValidateFormLookup(t *testing.T) {
	def := approvalChain()
	def.Steps[0].Config["form_id"] = "expense-form"

	v := New()
	v.FormExists = func(formID string) bool { return false }
	if _, err := v.Validate(def); err == nil {
		t.Fatal("missing form should fail validation")
	}

	v.FormExists = func(formID string) bool { return formID == "expense-form" }
	if _, err := v.Validate(def); err != nil {
		t.Fatalf("existing form should pass: %v", err)
	}
}
