// Package engine implements the workflow execution engine: definition
// registration, instance lifecycle, step dispatch, and timer wake-ups.
//
// All mutations of one instance happen under its per-instance lock;
// different instances proceed concurrently.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aviisi/virta/internal/automation"
	"github.com/aviisi/virta/internal/condition"
	"github.com/aviisi/virta/internal/definition"
	"github.com/aviisi/virta/internal/persistence"
	"github.com/aviisi/virta/pkg/api"
)

// Config wires an engine's collaborators. Persistence and Automation are
// required; everything else has a noop or default fallback.
type Config struct {
	Persistence persistence.Persistence
	Automation  *automation.Executor

	Observer api.Observer
	Notifier api.Notifier
	Audit    api.AuditSink
	Roles    api.RoleResolver
	Logger   *slog.Logger

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

type engineImpl struct {
	stores    persistence.Persistence
	auto      *automation.Executor
	eval      *condition.Evaluator
	validator *definition.Validator

	observer api.Observer
	notifier api.Notifier
	audit    api.AuditSink
	roles    api.RoleResolver
	logger   *slog.Logger
	now      func() time.Time

	locks *instanceLocks
}

// New builds an Engine from cfg.
func New(cfg Config) (api.Engine, error) {
	if cfg.Persistence.Definitions == nil || cfg.Persistence.Instances == nil ||
		cfg.Persistence.Tasks == nil || cfg.Persistence.Records == nil {
		return nil, fmt.Errorf("engine: persistence stores are required")
	}
	if cfg.Automation == nil {
		return nil, fmt.Errorf("engine: automation executor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = api.NoopObserver{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = api.NoopNotifier{}
	}
	audit := cfg.Audit
	if audit == nil {
		audit = api.NoopAuditSink{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &engineImpl{
		stores:    cfg.Persistence,
		auto:      cfg.Automation,
		eval:      condition.New(logger),
		validator: definition.New(),
		observer:  observer,
		notifier:  notifier,
		audit:     audit,
		roles:     cfg.Roles,
		logger:    logger,
		now:       clock,
		locks:     newInstanceLocks(),
	}, nil
}

func (e *engineImpl) RegisterDefinition(ctx context.Context, def api.WorkflowDefinition) (string, error) {
	result, err := e.validator.Validate(def)
	if err != nil {
		return "", err
	}
	if len(result.UnreachableSteps) > 0 {
		e.logger.Warn("definition has unreachable steps",
			"definition", def.Name, "steps", result.UnreachableSteps)
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := e.stores.Definitions.SaveDefinition(def); err != nil {
		return "", fmt.Errorf("save definition: %w", err)
	}

	e.logAudit(ctx, "system", "register_definition", "workflow_definition", def.ID, map[string]any{
		"name": def.Name, "version": def.Version, "steps": len(def.Steps),
	})
	return def.ID, nil
}

func (e *engineImpl) StartWorkflow(ctx context.Context, definitionID string, input map[string]any, actor, tenant string) (*api.WorkflowInstance, error) {
	def, err := e.stores.Definitions.GetDefinition(definitionID)
	if err != nil {
		return nil, err
	}
	// Defensive re-validation: the store may hold definitions written by
	// an older engine version.
	if _, err := e.validator.Validate(def); err != nil {
		return nil, err
	}
	start, err := def.StartStep()
	if err != nil {
		return nil, api.NewValidationError("", "%v", err)
	}

	data := make(map[string]any, len(input))
	for k, v := range input {
		data[k] = v
	}

	inst := &api.WorkflowInstance{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		TenantID:    tenant,
		InitiatedBy: actor,
		Status:      api.InstancePending,
		Data:        data,
		Metadata:    make(map[string]string),
		CreatedAt:   e.now(),
	}
	// The lock is held before the first save: from the moment the
	// instance is visible in the store, lifecycle calls (cancel, pause)
	// serialize behind the initial dispatch instead of racing it.
	release := e.locks.Acquire(inst.ID)
	defer release()

	if err := e.stores.Instances.SaveInstance(inst); err != nil {
		return nil, fmt.Errorf("save instance: %w", err)
	}

	e.observer.OnWorkflowStart(ctx, inst)
	e.logAudit(ctx, actor, "start_workflow", "workflow_instance", inst.ID, map[string]any{
		"workflow_id": def.ID, "tenant_id": tenant,
	})

	if err := e.runFrom(ctx, def, inst, start.ID); err != nil {
		return inst, err
	}
	return inst, nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return e.stores.Instances.GetInstance(id)
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.stores.Instances.ListInstances(persistence.InstanceFilter{
		WorkflowID: opts.WorkflowID,
		TenantID:   opts.TenantID,
		Status:     opts.Status,
	})
}

func (e *engineImpl) GetTask(ctx context.Context, id string) (*api.Task, error) {
	return e.stores.Tasks.GetTask(id)
}

func (e *engineImpl) ExecuteAutomation(ctx context.Context, config api.AutomationConfig, data map[string]any) (api.AutomationResult, error) {
	return e.auto.Execute(ctx, config, data)
}

// logAudit records an action, logging (not failing) on sink errors.
func (e *engineImpl) logAudit(ctx context.Context, actor, action, resourceType, resourceID string, details map[string]any) {
	if err := e.audit.LogAction(ctx, actor, action, resourceType, resourceID, details); err != nil {
		e.logger.Error("audit sink failed",
			"action", action, "resource_id", resourceID, "error", err)
	}
}

// definitionFor loads the definition an instance executes.
func (e *engineImpl) definitionFor(inst *api.WorkflowInstance) (api.WorkflowDefinition, error) {
	return e.stores.Definitions.GetDefinition(inst.WorkflowID)
}
