package api

import "time"

// TaskStatus is the lifecycle state of a human task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

// Task is the unit of human-assigned work created when a task or approval
// step executes. The owning instance pauses until the task is completed.
type Task struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"workflow_instance_id"`
	StepID      string         `json:"step_id"`
	Name        string         `json:"name,omitempty"`
	Status      TaskStatus     `json:"status"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	DueDate     *time.Time     `json:"due_date,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CompletedBy string         `json:"completed_by,omitempty"`
}

// StepExecutionRecord is the append-only audit of one step execution.
// Records are never mutated; automation retries within a step are
// captured on the AutomationExecution instead.
type StepExecutionRecord struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id"`
	Attempt    int            `json:"attempt"`
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}
