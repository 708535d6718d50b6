package engine

import (
	"context"
	"fmt"

	"github.com/aviisi/virta/pkg/api"
)

// CompleteTask marks a pending task done, merges its result into the
// instance context, and advances the instance past the task's step. The
// whole operation runs under the instance lock, so two concurrent
// completions of tasks on one instance serialize and the second sees the
// first's state.
//
// When the task's step fanned out to several approvers the first
// completion wins: the remaining pending tasks for that step are skipped
// before the instance advances.
func (e *engineImpl) CompleteTask(ctx context.Context, taskID string, result map[string]any, actor string) (*api.WorkflowInstance, error) {
	task, err := e.stores.Tasks.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	release := e.locks.Acquire(task.InstanceID)
	defer release()

	// Re-read under the lock; a concurrent completion may have won.
	task, err = e.stores.Tasks.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != api.TaskPending {
		return nil, api.NewWorkflowError(task.InstanceID, "task %s is %s, not pending", taskID, task.Status)
	}

	inst, err := e.stores.Instances.GetInstance(task.InstanceID)
	if err != nil {
		return nil, err
	}
	switch {
	case inst.Status.Terminal():
		return nil, api.NewWorkflowError(inst.ID, "instance is %s", inst.Status)
	case inst.Status == api.InstancePaused:
		return nil, api.NewWorkflowError(inst.ID, "instance is paused; resume it before completing tasks")
	}

	now := e.now()
	task.Status = api.TaskCompleted
	task.Result = result
	task.CompletedAt = &now
	task.CompletedBy = actor
	if err := e.stores.Tasks.UpdateTask(task); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	e.resolveBreachForTask(ctx, task.ID)
	e.skipSiblingTasks(ctx, task)
	e.logAudit(ctx, actor, "complete_task", "task", task.ID, map[string]any{
		"instance_id": inst.ID, "step_id": task.StepID,
	})

	if len(result) > 0 {
		inst.Context().Merge(result)
	}

	def, err := e.definitionFor(inst)
	if err != nil {
		return nil, err
	}
	if err := e.advanceFrom(ctx, def, inst, task.StepID); err != nil {
		return inst, err
	}
	return inst, nil
}

// skipSiblingTasks closes the other pending tasks opened for the same
// step, resolving any breaches that were tracking them. Errors are
// logged, not raised: a sibling that cannot be skipped does not undo the
// completion that already happened.
func (e *engineImpl) skipSiblingTasks(ctx context.Context, done *api.Task) {
	tasks, err := e.stores.Tasks.ListTasksByInstance(done.InstanceID)
	if err != nil {
		e.logger.Error("sibling task lookup failed",
			"task_id", done.ID, "instance_id", done.InstanceID, "error", err)
		return
	}
	now := e.now()
	for _, t := range tasks {
		if t.ID == done.ID || t.StepID != done.StepID || t.Status != api.TaskPending {
			continue
		}
		t.Status = api.TaskSkipped
		t.CompletedAt = &now
		if err := e.stores.Tasks.UpdateTask(t); err != nil {
			e.logger.Error("sibling task skip failed",
				"task_id", t.ID, "instance_id", done.InstanceID, "error", err)
			continue
		}
		e.resolveBreachForTask(ctx, t.ID)
	}
}

// resolveBreachForTask closes the open SLA breach (if any) once its task
// completes. Resolution is idempotent: an already-resolved breach is left
// untouched.
func (e *engineImpl) resolveBreachForTask(ctx context.Context, taskID string) {
	if e.stores.SLA == nil {
		return
	}
	breach, err := e.stores.SLA.OpenBreachForTask(taskID)
	if err != nil {
		e.logger.Error("sla breach lookup failed", "task_id", taskID, "error", err)
		return
	}
	if breach == nil {
		return
	}
	now := e.now()
	breach.ResolvedAt = &now
	if err := e.stores.SLA.UpdateBreach(breach); err != nil {
		e.logger.Error("sla breach resolution failed", "breach_id", breach.ID, "error", err)
	}
}

func (e *engineImpl) PauseWorkflow(ctx context.Context, instanceID, actor string) error {
	release := e.locks.Acquire(instanceID)
	defer release()

	inst, err := e.stores.Instances.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.Status != api.InstanceInProgress {
		return api.NewWorkflowError(instanceID, "cannot pause instance in status %s", inst.Status)
	}

	inst.Status = api.InstancePaused
	if err := e.stores.Instances.UpdateInstance(inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	e.logAudit(ctx, actor, "pause_workflow", "workflow_instance", instanceID, nil)
	return nil
}

// ResumeWorkflow moves a paused instance back to in-progress. If the
// current step is waiting on a pending task the instance keeps waiting;
// otherwise the current step is re-dispatched.
func (e *engineImpl) ResumeWorkflow(ctx context.Context, instanceID, actor string) error {
	release := e.locks.Acquire(instanceID)
	defer release()

	inst, err := e.stores.Instances.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.Status != api.InstancePaused {
		return api.NewWorkflowError(instanceID, "cannot resume instance in status %s", inst.Status)
	}

	inst.Status = api.InstanceInProgress
	if err := e.stores.Instances.UpdateInstance(inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	e.logAudit(ctx, actor, "resume_workflow", "workflow_instance", instanceID, nil)

	if inst.CurrentStepID == "" {
		return nil
	}
	if waiting, err := e.hasPendingTask(inst.ID, inst.CurrentStepID); err != nil {
		return err
	} else if waiting {
		return nil
	}

	def, err := e.definitionFor(inst)
	if err != nil {
		return err
	}
	return e.runFrom(ctx, def, inst, inst.CurrentStepID)
}

func (e *engineImpl) hasPendingTask(instanceID, stepID string) (bool, error) {
	tasks, err := e.stores.Tasks.ListTasksByInstance(instanceID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.StepID == stepID && t.Status == api.TaskPending {
			return true, nil
		}
	}
	return false, nil
}

// CancelWorkflow cancels a non-terminal instance and bulk-cancels its
// pending tasks. Automation calls already in flight are not interrupted;
// their results are discarded when they try to advance a cancelled
// instance.
func (e *engineImpl) CancelWorkflow(ctx context.Context, instanceID, actor string) error {
	release := e.locks.Acquire(instanceID)
	defer release()

	inst, err := e.stores.Instances.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return api.NewWorkflowError(instanceID, "instance is already %s", inst.Status)
	}

	now := e.now()
	inst.Status = api.InstanceCancelled
	inst.CompletedAt = &now
	if err := e.stores.Instances.UpdateInstance(inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	tasks, err := e.stores.Tasks.ListTasksByInstance(instanceID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		t.Status = api.TaskCancelled
		t.CompletedAt = &now
		if err := e.stores.Tasks.UpdateTask(t); err != nil {
			e.logger.Error("task cancellation failed",
				"task_id", t.ID, "instance_id", instanceID, "error", err)
		}
	}

	e.logAudit(ctx, actor, "cancel_workflow", "workflow_instance", instanceID, map[string]any{
		"cancelled_tasks": len(tasks),
	})
	return nil
}

// RunDueTimers fires every timer whose wake time has passed, advancing
// each owning instance past its timer step. Errors on one timer are
// logged and do not block the rest.
func (e *engineImpl) RunDueTimers(ctx context.Context) (int, error) {
	if e.stores.Timers == nil {
		return 0, nil
	}
	due, err := e.stores.Timers.DueTimers(e.now())
	if err != nil {
		return 0, fmt.Errorf("list due timers: %w", err)
	}

	fired := 0
	for _, timer := range due {
		if err := e.fireTimer(ctx, timer.ID, timer.InstanceID, timer.StepID); err != nil {
			e.logger.Error("timer wake-up failed",
				"timer_id", timer.ID, "instance_id", timer.InstanceID, "error", err)
			continue
		}
		fired++
	}
	return fired, nil
}

func (e *engineImpl) fireTimer(ctx context.Context, timerID, instanceID, stepID string) error {
	release := e.locks.Acquire(instanceID)
	defer release()

	if err := e.stores.Timers.DeleteTimer(timerID); err != nil {
		return fmt.Errorf("delete timer: %w", err)
	}

	inst, err := e.stores.Instances.GetInstance(instanceID)
	if err != nil {
		return err
	}
	// Cancelled or failed instances keep their timers deleted but are
	// never advanced; a paused instance waits for resume.
	if inst.Status != api.InstanceInProgress {
		return nil
	}

	def, err := e.definitionFor(inst)
	if err != nil {
		return err
	}
	return e.advanceFrom(ctx, def, inst, stepID)
}
