package api

import "context"

// Engine is the workflow execution engine surface exposed to host APIs.
// All state-mutating operations on an instance are serialized by a
// per-instance lock inside the engine.
type Engine interface {
	// RegisterDefinition validates and stores a workflow definition.
	// If def.ID is empty one is assigned; the stored ID is returned.
	RegisterDefinition(ctx context.Context, def WorkflowDefinition) (string, error)

	// StartWorkflow creates an instance of the given definition and
	// executes steps from the start step until the instance pauses,
	// completes, or fails.
	StartWorkflow(ctx context.Context, definitionID string, input map[string]any, actor, tenant string) (*WorkflowInstance, error)

	// CompleteTask completes a pending task, merges result into the
	// instance context, and advances the instance from the task's step.
	// A task that is not pending is rejected with a WorkflowError.
	CompleteTask(ctx context.Context, taskID string, result map[string]any, actor string) (*WorkflowInstance, error)

	// PauseWorkflow pauses an in-progress instance.
	PauseWorkflow(ctx context.Context, instanceID, actor string) error

	// ResumeWorkflow resumes a paused instance at its current step.
	ResumeWorkflow(ctx context.Context, instanceID, actor string) error

	// CancelWorkflow cancels a non-terminal instance and bulk-cancels its
	// pending tasks. In-flight automation calls are not interrupted.
	CancelWorkflow(ctx context.Context, instanceID, actor string) error

	// ExecuteAutomation runs a single automation outside any workflow.
	// Handler failures are reported in the result, not returned as errors;
	// the error return covers config validation only.
	ExecuteAutomation(ctx context.Context, config AutomationConfig, context map[string]any) (AutomationResult, error)

	// GetInstance looks up an instance by ID.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// GetTask looks up a task by ID.
	GetTask(ctx context.Context, id string) (*Task, error)

	// RunDueTimers re-enters instances whose timer steps have reached
	// their wake time. It returns the number of timers fired and is
	// intended to be called periodically by the host.
	RunDueTimers(ctx context.Context) (int, error)
}
