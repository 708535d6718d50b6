package api

import "time"

// EscalationRule raises a breach to the given level once AfterHours have
// elapsed since the breach time. Rules are evaluated in level order; the
// monitor only ever advances one level per scan.
type EscalationRule struct {
	Level       int      `json:"level" yaml:"level"`
	AfterHours  float64  `json:"after_hours" yaml:"after_hours"`
	NotifyRoles []string `json:"notify_roles,omitempty" yaml:"notify_roles,omitempty"`
}

// SLAPolicy binds escalation rules to the tasks of a workflow definition.
// Inactive policies are skipped by the monitor.
type SLAPolicy struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id,omitempty"`
	Name        string           `json:"name,omitempty"`
	Active      bool             `json:"active"`
	Escalations []EscalationRule `json:"escalations,omitempty"`
}

// SLABreach records that a task or workflow missed its deadline.
// EscalationLevel starts at 1 and only increases while ResolvedAt is nil;
// resolution is set once when the underlying work completes.
type SLABreach struct {
	ID              string     `json:"id"`
	InstanceID      string     `json:"workflow_instance_id"`
	TaskID          string     `json:"task_id,omitempty"`
	EscalationLevel int        `json:"escalation_level"`
	BreachTime      time.Time  `json:"breach_time"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// Open reports whether the breach is still unresolved.
func (b SLABreach) Open() bool {
	return b.ResolvedAt == nil
}
