package api

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "pending"
	InstanceInProgress InstanceStatus = "in_progress"
	InstanceCompleted  InstanceStatus = "completed"
	InstanceFailed     InstanceStatus = "failed"
	InstanceCancelled  InstanceStatus = "cancelled"
	InstancePaused     InstanceStatus = "paused"
)

// Terminal reports whether the status is final. No step execution may
// occur on an instance once it is terminal.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// ErrorDetails identifies the step and error that failed an instance.
type ErrorDetails struct {
	StepID  string    `json:"step_id"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// WorkflowInstance is one running (or finished) execution of a definition.
// Instances are mutated only by the step dispatcher under the per-instance
// lock.
type WorkflowInstance struct {
	ID            string            `json:"id"`
	WorkflowID    string            `json:"workflow_id"`
	TenantID      string            `json:"tenant_id,omitempty"`
	InitiatedBy   string            `json:"initiated_by,omitempty"`
	Status        InstanceStatus    `json:"status"`
	CurrentStepID string            `json:"current_step_id,omitempty"`
	Data          map[string]any    `json:"data,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	ErrorDetails  *ErrorDetails     `json:"error_details,omitempty"`
}

// Context builds the mutable data bag carried through step execution.
// The bag is owned exclusively by the instance while it runs and is
// snapshotted back to storage after every step.
func (i *WorkflowInstance) Context() *WorkflowContext {
	data := i.Data
	if data == nil {
		data = make(map[string]any)
	}
	meta := i.Metadata
	if meta == nil {
		meta = make(map[string]string)
	}
	return &WorkflowContext{
		InstanceID:  i.ID,
		WorkflowID:  i.WorkflowID,
		TenantID:    i.TenantID,
		InitiatedBy: i.InitiatedBy,
		Data:        data,
		Metadata:    meta,
	}
}

// WorkflowContext is the key/value data bag available to conditions,
// automations, and assignee expressions during execution.
type WorkflowContext struct {
	InstanceID  string
	WorkflowID  string
	TenantID    string
	InitiatedBy string
	Data        map[string]any
	Metadata    map[string]string
}

// Merge copies all entries of m into the data bag, overwriting existing
// keys.
func (c *WorkflowContext) Merge(m map[string]any) {
	for k, v := range m {
		c.Data[k] = v
	}
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	WorkflowID string
	TenantID   string
	Status     InstanceStatus
}
