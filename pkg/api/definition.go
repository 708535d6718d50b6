package api

import "fmt"

// StepType identifies the behavior of a step in a workflow definition.
type StepType string

const (
	StepTask         StepType = "task"
	StepApproval     StepType = "approval"
	StepNotification StepType = "notification"
	StepAutomation   StepType = "automation"
	StepCondition    StepType = "condition"
	StepParallel     StepType = "parallel"
	StepLoop         StepType = "loop"
	StepWebhook      StepType = "webhook"
	StepTimer        StepType = "timer"
)

// stepTypes is the closed set of supported step types.
var stepTypes = map[StepType]bool{
	StepTask:         true,
	StepApproval:     true,
	StepNotification: true,
	StepAutomation:   true,
	StepCondition:    true,
	StepParallel:     true,
	StepLoop:         true,
	StepWebhook:      true,
	StepTimer:        true,
}

// Valid reports whether t is one of the supported step types.
func (t StepType) Valid() bool {
	return stepTypes[t]
}

// Step is a single node in the workflow definition graph.
type Step struct {
	ID      string         `json:"id" yaml:"id"`
	Type    StepType       `json:"type" yaml:"type"`
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	IsStart bool           `json:"is_start,omitempty" yaml:"is_start,omitempty"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ConfigString returns the string config value for key, or "" if absent
// or not a string.
func (s Step) ConfigString(key string) string {
	v, _ := s.Config[key].(string)
	return v
}

// ConfigBool returns the bool config value for key, or false if absent.
func (s Step) ConfigBool(key string) bool {
	v, _ := s.Config[key].(bool)
	return v
}

// ConfigFloat returns the numeric config value for key. JSON decoding
// produces float64; int values written programmatically are accepted too.
func (s Step) ConfigFloat(key string) (float64, bool) {
	switch v := s.Config[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ConfigStrings returns the config value for key as a string slice.
// Both []string and JSON-decoded []any are accepted.
func (s Step) ConfigStrings(key string) []string {
	switch v := s.Config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// ConfigMap returns the config value for key as a map, or nil.
func (s Step) ConfigMap(key string) map[string]any {
	v, _ := s.Config[key].(map[string]any)
	return v
}

// Transition connects two steps in the definition graph. A nil Condition
// means the transition is unconditional.
type Transition struct {
	From      string     `json:"from" yaml:"from"`
	To        string     `json:"to" yaml:"to"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// WorkflowDefinition is the immutable graph of steps and transitions a
// workflow instance executes. Definitions are validated on registration
// and again defensively before the first step runs.
type WorkflowDefinition struct {
	ID          string       `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string       `json:"name" yaml:"name"`
	Version     string       `json:"version,omitempty" yaml:"version,omitempty"`
	Steps       []Step       `json:"steps" yaml:"steps"`
	Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// StartStep resolves the start step: the step flagged is_start if exactly
// one is, otherwise the first step in declaration order.
func (d WorkflowDefinition) StartStep() (Step, error) {
	var starts []Step
	for _, s := range d.Steps {
		if s.IsStart {
			starts = append(starts, s)
		}
	}
	switch len(starts) {
	case 0:
		if len(d.Steps) == 0 {
			return Step{}, fmt.Errorf("definition %s has no steps", d.Name)
		}
		return d.Steps[0], nil
	case 1:
		return starts[0], nil
	default:
		return Step{}, fmt.Errorf("definition %s has %d start steps", d.Name, len(starts))
	}
}

// StepByID returns the step with the given id.
func (d WorkflowDefinition) StepByID(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// TransitionsFrom returns all transitions leaving the given step, in
// declaration order. Declaration order is the tie-break when several
// transition conditions match.
func (d WorkflowDefinition) TransitionsFrom(stepID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From == stepID {
			out = append(out, t)
		}
	}
	return out
}
