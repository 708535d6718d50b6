// Package persistence defines the storage interfaces the engine consumes
// and provides in-memory and SQLite implementations.
//
// The engine never owns a storage schema of its own; hosts may inject any
// implementation of these interfaces.
package persistence

import (
	"time"

	"github.com/aviisi/virta/pkg/api"
)

// InstanceFilter selects instances from the store. Empty values mean
// "no filter" for that field.
type InstanceFilter struct {
	WorkflowID string
	TenantID   string
	Status     api.InstanceStatus
}

// DefinitionStore stores workflow definitions as opaque, versionable
// blobs keyed by id.
type DefinitionStore interface {
	SaveDefinition(def api.WorkflowDefinition) error
	GetDefinition(id string) (api.WorkflowDefinition, error)
}

// InstanceStore stores workflow instances.
type InstanceStore interface {
	SaveInstance(inst *api.WorkflowInstance) error
	UpdateInstance(inst *api.WorkflowInstance) error
	GetInstance(id string) (*api.WorkflowInstance, error)
	ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error)
}

// TaskStore stores human tasks.
type TaskStore interface {
	CreateTask(t *api.Task) error
	UpdateTask(t *api.Task) error
	GetTask(id string) (*api.Task, error)
	ListTasksByInstance(instanceID string) ([]*api.Task, error)
	// ListOverdueTasks returns pending tasks whose due date has passed.
	ListOverdueTasks(now time.Time) ([]*api.Task, error)
}

// RecordStore stores the append-only execution records.
type RecordStore interface {
	AppendStepExecution(rec *api.StepExecutionRecord) error
	ListStepExecutions(instanceID string) ([]*api.StepExecutionRecord, error)
	RecordAutomationExecution(exec *api.AutomationExecution) error
	GetAutomationExecution(id string) (*api.AutomationExecution, error)
}

// SLAStore stores SLA policies and breach records.
type SLAStore interface {
	SavePolicy(p api.SLAPolicy) error
	// PolicyForWorkflow returns the policy bound to a workflow definition;
	// found is false when none is configured.
	PolicyForWorkflow(workflowID string) (policy api.SLAPolicy, found bool, err error)
	CreateBreach(b *api.SLABreach) error
	UpdateBreach(b *api.SLABreach) error
	// OpenBreachForTask returns the unresolved breach for a task, or
	// (nil, nil) when none is open.
	OpenBreachForTask(taskID string) (*api.SLABreach, error)
	ListOpenBreaches() ([]*api.SLABreach, error)
}

// Timer is a persisted "wake at" record scheduled by a timer step.
type Timer struct {
	ID         string
	InstanceID string
	StepID     string
	WakeAt     time.Time
}

// TimerStore stores deferred wake-ups. A timer becomes due once WakeAt
// has passed; due timers are consumed by the engine's RunDueTimers.
type TimerStore interface {
	SaveTimer(t *Timer) error
	DueTimers(now time.Time) ([]*Timer, error)
	DeleteTimer(id string) error
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Definitions DefinitionStore
	Instances   InstanceStore
	Tasks       TaskStore
	Records     RecordStore
	SLA         SLAStore
	Timers      TimerStore
}
