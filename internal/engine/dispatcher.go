package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aviisi/virta/internal/condition"
	"github.com/aviisi/virta/internal/persistence"
	"github.com/aviisi/virta/pkg/api"
)

// loop steps refuse to run forever even when misconfigured.
const maxLoopIterations = 1000

// stepOutcome is what one step execution produced. Paused means the
// instance must wait (task created, timer parked, or paused by an actor)
// and the dispatch loop stops without resolving a next step.
type stepOutcome struct {
	Output map[string]any
	Paused bool
}

// runFrom executes stepID and follows transitions until the instance
// pauses, completes, or fails. Caller holds the instance lock.
func (e *engineImpl) runFrom(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, stepID string) error {
	for stepID != "" {
		step, ok := def.StepByID(stepID)
		if !ok {
			return e.failInstance(ctx, inst, stepID, fmt.Errorf("step %q not found in definition %s", stepID, def.ID))
		}

		inst.Status = api.InstanceInProgress
		inst.CurrentStepID = step.ID
		if err := e.stores.Instances.UpdateInstance(inst); err != nil {
			return fmt.Errorf("update instance: %w", err)
		}

		e.observer.OnStepStart(ctx, inst, step)
		started := e.now()
		outcome, err := e.executeStep(ctx, def, inst, step)
		e.recordStep(inst, step, outcome, err, started)
		e.observer.OnStepCompleted(ctx, inst, step, err, e.now().Sub(started))

		if err != nil {
			if step.ConfigBool("continue_on_error") {
				e.logger.Warn("step failed, continuing",
					"instance_id", inst.ID, "step", step.ID, "error", err)
			} else {
				return e.failInstance(ctx, inst, step.ID, err)
			}
		}

		if outcome.Paused {
			return e.stores.Instances.UpdateInstance(inst)
		}
		if len(outcome.Output) > 0 {
			inst.Context().Merge(outcome.Output)
		}

		next, found := e.resolveNext(def, step, inst.Data)
		if !found {
			return e.completeInstance(ctx, def, inst, step)
		}
		stepID = next
	}
	return nil
}

// advanceFrom follows transitions out of stepID without re-executing it.
// Used when a waiting step (task, approval, timer) is released.
func (e *engineImpl) advanceFrom(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, stepID string) error {
	step, ok := def.StepByID(stepID)
	if !ok {
		return e.failInstance(ctx, inst, stepID, fmt.Errorf("step %q not found in definition %s", stepID, def.ID))
	}
	next, found := e.resolveNext(def, step, inst.Data)
	if !found {
		return e.completeInstance(ctx, def, inst, step)
	}
	return e.runFrom(ctx, def, inst, next)
}

// resolveNext picks the next step: conditional transitions are evaluated
// in declaration order and the first match wins; an unconditional
// transition always matches.
func (e *engineImpl) resolveNext(def api.WorkflowDefinition, step api.Step, data map[string]any) (string, bool) {
	for _, t := range def.TransitionsFrom(step.ID) {
		if e.eval.Evaluate(t.Condition, data) {
			return t.To, true
		}
	}
	return "", false
}

// completeInstance marks the instance completed. Reaching a step whose
// conditional transitions all evaluated false is still completion, but
// flagged in metadata so operators can spot routing gaps.
func (e *engineImpl) completeInstance(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, last api.Step) error {
	if len(def.TransitionsFrom(last.ID)) > 0 {
		e.logger.Warn("no transition matched, completing instance",
			"instance_id", inst.ID, "step", last.ID)
		inst.Metadata["completion_reason"] = "no_matching_transition"
	}

	now := e.now()
	inst.Status = api.InstanceCompleted
	inst.CompletedAt = &now
	inst.CurrentStepID = ""
	if err := e.stores.Instances.UpdateInstance(inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	e.observer.OnWorkflowCompleted(ctx, inst)
	if inst.InitiatedBy != "" {
		if err := e.notifier.SendWorkflowCompletion(ctx, inst.InitiatedBy, inst); err != nil {
			e.logger.Warn("completion notification failed",
				"instance_id", inst.ID, "error", err)
		}
	}
	return nil
}

// failInstance marks the instance failed with error details.
func (e *engineImpl) failInstance(ctx context.Context, inst *api.WorkflowInstance, stepID string, cause error) error {
	now := e.now()
	inst.Status = api.InstanceFailed
	inst.CompletedAt = &now
	inst.ErrorDetails = api.NewErrorDetails(stepID, cause)
	if err := e.stores.Instances.UpdateInstance(inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	e.observer.OnWorkflowFailed(ctx, inst, cause)
	e.logger.Error("workflow failed",
		"instance_id", inst.ID, "step", stepID, "error", cause)
	return nil
}

func (e *engineImpl) recordStep(inst *api.WorkflowInstance, step api.Step, outcome stepOutcome, execErr error, at time.Time) {
	rec := &api.StepExecutionRecord{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepID:     step.ID,
		Attempt:    1,
		Success:    execErr == nil,
		Output:     outcome.Output,
		ExecutedAt: at,
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if err := e.stores.Records.AppendStepExecution(rec); err != nil {
		e.logger.Error("failed to append step execution record",
			"instance_id", inst.ID, "step", step.ID, "error", err)
	}
}

// executeStep dispatches on step type.
func (e *engineImpl) executeStep(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, step api.Step) (stepOutcome, error) {
	switch step.Type {
	case api.StepTask, api.StepApproval:
		return e.execTaskStep(ctx, inst, step)
	case api.StepNotification:
		return e.execNotificationStep(ctx, inst, step)
	case api.StepAutomation:
		return e.execAutomationStep(ctx, inst, step, "")
	case api.StepWebhook:
		return e.execAutomationStep(ctx, inst, step, api.AutomationWebhook)
	case api.StepCondition:
		return e.execConditionStep(inst, step)
	case api.StepParallel:
		return e.execParallelStep(ctx, def, inst, step)
	case api.StepLoop:
		return e.execLoopStep(ctx, def, inst, step)
	case api.StepTimer:
		return e.execTimerStep(inst, step)
	default:
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("unsupported step type %q", step.Type)}
	}
}

// execTaskStep creates the human task(s) and pauses the instance until
// one is completed. Approval steps assigned to a role open one task per
// role member; the first completion decides and the siblings are skipped
// (see CompleteTask).
func (e *engineImpl) execTaskStep(ctx context.Context, inst *api.WorkflowInstance, step api.Step) (stepOutcome, error) {
	assignees, err := e.resolveAssignees(ctx, inst, step)
	if err != nil {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: err}
	}

	name := step.Name
	if name == "" {
		name = step.ID
	}
	var due *time.Time
	if hours, ok := step.ConfigFloat("due_hours"); ok && hours > 0 {
		d := e.now().Add(time.Duration(hours * float64(time.Hour)))
		due = &d
	}

	for _, assignee := range assignees {
		task := &api.Task{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			StepID:     step.ID,
			Name:       name,
			Status:     api.TaskPending,
			AssignedTo: assignee,
			DueDate:    due,
			CreatedAt:  e.now(),
		}
		if err := e.stores.Tasks.CreateTask(task); err != nil {
			return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("create task: %w", err)}
		}
		e.observer.OnTaskCreated(ctx, inst, task)

		if assignee != "" {
			if err := e.notifier.SendTaskAssignment(ctx, assignee, task); err != nil {
				e.logger.Warn("task assignment notification failed",
					"task_id", task.ID, "assignee", assignee, "error", err)
			}
		}
	}
	return stepOutcome{Paused: true}, nil
}

// resolveAssignees expands the step's assignee expression into the users
// to open tasks for. An approval step assigned to a role fans out to
// every member so each approver gets their own task; everything else
// resolves to a single user.
func (e *engineImpl) resolveAssignees(ctx context.Context, inst *api.WorkflowInstance, step api.Step) ([]string, error) {
	expr := step.ConfigString("assignee")
	if step.Type == api.StepApproval && strings.HasPrefix(expr, "role:") && e.roles != nil {
		role := strings.TrimPrefix(expr, "role:")
		users, err := e.roles.UsersInRole(ctx, inst.TenantID, role)
		if err != nil {
			return nil, fmt.Errorf("resolve role %q: %w", role, err)
		}
		if len(users) == 0 {
			return nil, fmt.Errorf("role %q has no members", role)
		}
		return users, nil
	}

	assignee, err := e.resolveAssignee(ctx, inst, expr)
	if err != nil {
		return nil, err
	}
	return []string{assignee}, nil
}

// resolveAssignee expands the assignee expression: "initiator", a
// "role:<name>" lookup, a "{{path}}" into the context, or a literal user.
func (e *engineImpl) resolveAssignee(ctx context.Context, inst *api.WorkflowInstance, expr string) (string, error) {
	switch {
	case expr == "" || expr == "initiator":
		return inst.InitiatedBy, nil
	case strings.HasPrefix(expr, "role:"):
		role := strings.TrimPrefix(expr, "role:")
		if e.roles == nil {
			// Without a resolver the role expression is kept verbatim so
			// the host's task UI can route it.
			return expr, nil
		}
		users, err := e.roles.UsersInRole(ctx, inst.TenantID, role)
		if err != nil {
			return "", fmt.Errorf("resolve role %q: %w", role, err)
		}
		if len(users) == 0 {
			return "", fmt.Errorf("role %q has no members", role)
		}
		return users[0], nil
	case strings.HasPrefix(expr, "{{"):
		path := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(expr, "{{"), "}}"))
		val, ok := condition.LookupPath(inst.Data, path)
		if !ok {
			return "", fmt.Errorf("assignee path %q not found in context", path)
		}
		s, ok := val.(string)
		if !ok || s == "" {
			return "", fmt.Errorf("assignee path %q is not a user string", path)
		}
		return s, nil
	default:
		return expr, nil
	}
}

func (e *engineImpl) execNotificationStep(ctx context.Context, inst *api.WorkflowInstance, step api.Step) (stepOutcome, error) {
	recipients := step.ConfigStrings("recipients")
	if r := step.ConfigString("recipient"); r != "" {
		recipients = append(recipients, r)
	}
	if len(recipients) == 0 {
		recipients = []string{"initiator"}
	}

	template := step.ConfigString("template")
	if template == "" {
		template = "workflow_notification"
	}
	payload := map[string]any{
		"instance_id": inst.ID,
		"workflow_id": inst.WorkflowID,
		"step":        step.ID,
	}
	if msg := step.ConfigString("message"); msg != "" {
		payload["message"] = msg
	}
	for k, v := range step.ConfigMap("data") {
		payload[k] = v
	}

	var failed []string
	var sent int
	for _, expr := range recipients {
		user, err := e.resolveAssignee(ctx, inst, expr)
		if err != nil || user == "" {
			failed = append(failed, expr)
			continue
		}
		if err := e.notifier.SendNotification(ctx, user, template, payload); err != nil {
			e.logger.Warn("notification failed",
				"instance_id", inst.ID, "step", step.ID, "recipient", user, "error", err)
			failed = append(failed, user)
			continue
		}
		sent++
	}

	if sent == 0 && len(failed) > 0 {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID,
			Err: fmt.Errorf("all %d notifications failed", len(failed))}
	}
	return stepOutcome{Output: map[string]any{step.ID + "_notified": sent}}, nil
}

// execAutomationStep runs the step's automation config through the
// executor. forceType overrides the config type for webhook steps whose
// config is written inline.
func (e *engineImpl) execAutomationStep(ctx context.Context, inst *api.WorkflowInstance, step api.Step, forceType api.AutomationType) (stepOutcome, error) {
	raw := step.ConfigMap("automation")
	if raw == nil {
		raw = step.Config
	}
	cfg, err := automationConfigFrom(raw)
	if err != nil {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: err}
	}
	if forceType != "" {
		cfg.Type = forceType
	}

	result, err := e.auto.Execute(ctx, cfg, inst.Data)
	if err != nil {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: err}
	}
	if !result.Success {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("%s", result.Error)}
	}

	output := map[string]any{step.ID + "_execution_id": result.ExecutionID}
	for k, v := range result.Result {
		output[k] = v
	}
	return stepOutcome{Output: output}, nil
}

// automationConfigFrom decodes a step config map through the automation
// config's wire shape so reserved keys and params split consistently.
func automationConfigFrom(raw map[string]any) (api.AutomationConfig, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return api.AutomationConfig{}, fmt.Errorf("encode automation config: %w", err)
	}
	var cfg api.AutomationConfig
	if err := json.Unmarshal(encoded, &cfg); err != nil {
		return api.AutomationConfig{}, fmt.Errorf("decode automation config: %w", err)
	}
	return cfg, nil
}

// execConditionStep evaluates the step's condition and writes the boolean
// into the context for downstream transitions.
func (e *engineImpl) execConditionStep(inst *api.WorkflowInstance, step api.Step) (stepOutcome, error) {
	raw := step.ConfigMap("condition")
	if raw == nil {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("condition step needs a condition")}
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: err}
	}
	var cond api.Condition
	if err := json.Unmarshal(encoded, &cond); err != nil {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: err}
	}

	key := step.ConfigString("output_key")
	if key == "" {
		key = step.ID + "_result"
	}
	return stepOutcome{Output: map[string]any{key: e.eval.Evaluate(&cond, inst.Data)}}, nil
}

// execParallelStep runs the branch steps concurrently and merges their
// outputs. Branches must not pause: task, approval and timer steps are
// rejected up front. Each branch runs against its own copy of the
// instance data, so branches that write scratch keys (loops) cannot
// race with their siblings; results flow back only through the branch
// outputs merged under the join.
func (e *engineImpl) execParallelStep(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, step api.Step) (stepOutcome, error) {
	branchIDs := step.ConfigStrings("steps")
	if len(branchIDs) == 0 {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("parallel step needs branch steps")}
	}

	branches := make([]api.Step, 0, len(branchIDs))
	for _, id := range branchIDs {
		branch, ok := def.StepByID(id)
		if !ok {
			return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("branch step %q not found", id)}
		}
		switch branch.Type {
		case api.StepTask, api.StepApproval, api.StepTimer:
			return stepOutcome{}, &api.StepExecutionError{StepID: step.ID,
				Err: fmt.Errorf("branch step %q of type %s cannot run in parallel", id, branch.Type)}
		}
		branches = append(branches, branch)
	}

	outputs := make([]map[string]any, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range branches {
		i, branch := i, branch
		branchInst := *inst
		branchInst.Data = maps.Clone(inst.Data)
		if branchInst.Data == nil {
			branchInst.Data = make(map[string]any)
		}
		g.Go(func() error {
			started := e.now()
			outcome, err := e.executeStep(gctx, def, &branchInst, branch)
			e.recordStep(&branchInst, branch, outcome, err, started)
			if err != nil {
				return fmt.Errorf("branch %q: %w", branch.ID, err)
			}
			outputs[i] = outcome.Output
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: err}
	}

	merged := make(map[string]any)
	for _, out := range outputs {
		for k, v := range out {
			merged[k] = v
		}
	}
	return stepOutcome{Output: merged}, nil
}

// execLoopStep runs the body steps once per item (or per count), exposing
// loop_index and loop_item to the body.
func (e *engineImpl) execLoopStep(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, step api.Step) (stepOutcome, error) {
	bodyIDs := step.ConfigStrings("body_steps")
	if len(bodyIDs) == 0 {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("loop step needs body steps")}
	}

	var items []any
	if path := step.ConfigString("items"); path != "" {
		val, ok := condition.LookupPath(inst.Data, path)
		if !ok {
			return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("loop items %q not found in context", path)}
		}
		items, ok = val.([]any)
		if !ok {
			return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("loop items %q is not a list", path)}
		}
	} else if count, ok := step.ConfigFloat("count"); ok {
		items = make([]any, int(count))
		for i := range items {
			items[i] = float64(i)
		}
	} else {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("loop step needs items or count")}
	}
	if len(items) > maxLoopIterations {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID,
			Err: fmt.Errorf("loop of %d iterations exceeds the limit of %d", len(items), maxLoopIterations)}
	}

	for i, item := range items {
		inst.Data["loop_index"] = float64(i)
		inst.Data["loop_item"] = item
		for _, bodyID := range bodyIDs {
			body, ok := def.StepByID(bodyID)
			if !ok {
				return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("body step %q not found", bodyID)}
			}
			switch body.Type {
			case api.StepTask, api.StepApproval, api.StepTimer:
				return stepOutcome{}, &api.StepExecutionError{StepID: step.ID,
					Err: fmt.Errorf("body step %q of type %s cannot run in a loop", bodyID, body.Type)}
			}

			started := e.now()
			outcome, err := e.executeStep(ctx, def, inst, body)
			e.recordStep(inst, body, outcome, err, started)
			if err != nil {
				return stepOutcome{}, &api.StepExecutionError{StepID: step.ID,
					Err: fmt.Errorf("iteration %d, step %q: %w", i, bodyID, err)}
			}
			inst.Context().Merge(outcome.Output)
		}
	}
	delete(inst.Data, "loop_index")
	delete(inst.Data, "loop_item")

	return stepOutcome{Output: map[string]any{step.ID + "_iterations": float64(len(items))}}, nil
}

// execTimerStep parks the instance until the wake time; RunDueTimers
// resumes it.
func (e *engineImpl) execTimerStep(inst *api.WorkflowInstance, step api.Step) (stepOutcome, error) {
	var wakeAt time.Time
	if seconds, ok := step.ConfigFloat("duration_seconds"); ok && seconds > 0 {
		wakeAt = e.now().Add(time.Duration(seconds * float64(time.Second)))
	} else if raw := step.ConfigString("wake_at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("invalid wake_at: %w", err)}
		}
		wakeAt = parsed
	} else {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("timer step needs duration_seconds or wake_at")}
	}

	timer := &persistence.Timer{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepID:     step.ID,
		WakeAt:     wakeAt,
	}
	if e.stores.Timers == nil {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("no timer store configured")}
	}
	if err := e.stores.Timers.SaveTimer(timer); err != nil {
		return stepOutcome{}, &api.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("save timer: %w", err)}
	}
	return stepOutcome{Paused: true}, nil
}
