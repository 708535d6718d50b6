package virta

import (
	"context"
	"fmt"

	"github.com/aviisi/virta/pkg/api"
)

// DefinitionBuilder provides a fluent API for assembling workflow
// definitions in code:
//
//	def, err := virta.NewDefinition("expense-approval").
//	    Approval("manager_review", "role:manager", 24).
//	    Automation("notify_finance", map[string]any{
//	        "type": "api_call",
//	        "url":  "https://finance.internal/expenses",
//	        "method": "POST",
//	    }).
//	    TransitionWhen("manager_review", "notify_finance",
//	        virta.FieldEquals("approved", true)).
//	    Build()
//
// The first step added is the start step unless another is marked with
// StartAt.
type DefinitionBuilder struct {
	def api.WorkflowDefinition
}

// NewDefinition creates a builder for a workflow with the given name.
func NewDefinition(name string) *DefinitionBuilder {
	return &DefinitionBuilder{def: api.WorkflowDefinition{Name: name}}
}

// Version sets the definition version.
func (b *DefinitionBuilder) Version(v string) *DefinitionBuilder {
	b.def.Version = v
	return b
}

// Step appends a step with an arbitrary type and config.
func (b *DefinitionBuilder) Step(id string, typ StepType, config map[string]any) *DefinitionBuilder {
	if id == "" {
		panic("virta: step id must not be empty")
	}
	b.def.Steps = append(b.def.Steps, api.Step{ID: id, Type: typ, Config: config})
	return b
}

// Task appends a human task step assigned via the given expression
// ("initiator", "role:<name>", "{{path}}", or a literal user).
func (b *DefinitionBuilder) Task(id, assignee string) *DefinitionBuilder {
	return b.Step(id, api.StepTask, map[string]any{"assignee": assignee})
}

// Approval appends an approval step with a due date dueHours from
// creation. dueHours <= 0 means no due date.
func (b *DefinitionBuilder) Approval(id, assignee string, dueHours float64) *DefinitionBuilder {
	config := map[string]any{"assignee": assignee}
	if dueHours > 0 {
		config["due_hours"] = dueHours
	}
	return b.Step(id, api.StepApproval, config)
}

// Automation appends an automation step with the given flat automation
// config (type, url, script, ... as in the wire format).
func (b *DefinitionBuilder) Automation(id string, config map[string]any) *DefinitionBuilder {
	return b.Step(id, api.StepAutomation, config)
}

// Notification appends a notification step to the given recipients.
func (b *DefinitionBuilder) Notification(id, message string, recipients ...string) *DefinitionBuilder {
	list := make([]any, len(recipients))
	for i, r := range recipients {
		list[i] = r
	}
	return b.Step(id, api.StepNotification, map[string]any{
		"message":    message,
		"recipients": list,
	})
}

// Timer appends a timer step that parks the instance for the given
// number of seconds.
func (b *DefinitionBuilder) Timer(id string, seconds float64) *DefinitionBuilder {
	return b.Step(id, api.StepTimer, map[string]any{"duration_seconds": seconds})
}

// StartAt marks the step with the given id as the start step.
func (b *DefinitionBuilder) StartAt(id string) *DefinitionBuilder {
	for i := range b.def.Steps {
		b.def.Steps[i].IsStart = b.def.Steps[i].ID == id
	}
	return b
}

// Transition adds an unconditional transition between two steps.
func (b *DefinitionBuilder) Transition(from, to string) *DefinitionBuilder {
	b.def.Transitions = append(b.def.Transitions, api.Transition{From: from, To: to})
	return b
}

// TransitionWhen adds a transition taken only when cond holds.
func (b *DefinitionBuilder) TransitionWhen(from, to string, cond *Condition) *DefinitionBuilder {
	b.def.Transitions = append(b.def.Transitions, api.Transition{From: from, To: to, Condition: cond})
	return b
}

// Build returns the assembled definition. It does not validate; the
// engine validates on registration.
func (b *DefinitionBuilder) Build() WorkflowDefinition {
	return b.def
}

// Register registers the built definition with the engine and returns
// the stored definition id.
func (b *DefinitionBuilder) Register(ctx context.Context, eng Engine) (string, error) {
	return eng.RegisterDefinition(ctx, b.def)
}

// MustRegister is like Register but panics on error. Useful during
// initialization in main().
func (b *DefinitionBuilder) MustRegister(ctx context.Context, eng Engine) string {
	id, err := b.Register(ctx, eng)
	if err != nil {
		panic(fmt.Sprintf("virta: register %q: %v", b.def.Name, err))
	}
	return id
}

// Condition helpers for transitions.

// FieldEquals matches when the context field equals value.
func FieldEquals(field string, value any) *Condition {
	return &Condition{Field: field, Operator: api.OpEquals, Value: value}
}

// FieldGreaterThan matches when the numeric context field exceeds value.
func FieldGreaterThan(field string, value any) *Condition {
	return &Condition{Field: field, Operator: api.OpGreaterThan, Value: value}
}

// AllOf matches when every sub-condition holds.
func AllOf(conds ...Condition) *Condition {
	return &Condition{Logic: api.LogicAnd, Conditions: conds}
}

// AnyOf matches when at least one sub-condition holds.
func AnyOf(conds ...Condition) *Condition {
	return &Condition{Logic: api.LogicOr, Conditions: conds}
}

// Expr matches when the restricted expression evaluates truthy.
func Expr(expr string) *Condition {
	return &Condition{Expr: expr}
}
