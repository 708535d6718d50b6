// Package sla watches pending tasks against their due dates, records
// breaches, and escalates them per workflow policy.
package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aviisi/virta/internal/persistence"
	"github.com/aviisi/virta/pkg/api"
)

// Monitor scans for overdue tasks and drives breach escalation. It is
// stateless between scans: everything it needs lives in the stores.
type Monitor struct {
	tasks     persistence.TaskStore
	instances persistence.InstanceStore
	sla       persistence.SLAStore

	notifier api.Notifier
	roles    api.RoleResolver
	observer api.Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Config wires a Monitor. Tasks, Instances and SLA are required.
type Config struct {
	Tasks     persistence.TaskStore
	Instances persistence.InstanceStore
	SLA       persistence.SLAStore

	Notifier api.Notifier
	Roles    api.RoleResolver
	Observer api.Observer
	Logger   *slog.Logger
	Clock    func() time.Time
}

// New builds a Monitor from cfg.
func New(cfg Config) (*Monitor, error) {
	if cfg.Tasks == nil || cfg.Instances == nil || cfg.SLA == nil {
		return nil, fmt.Errorf("sla: task, instance and sla stores are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = api.NoopNotifier{}
	}
	observer := cfg.Observer
	if observer == nil {
		observer = api.NoopObserver{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Monitor{
		tasks:     cfg.Tasks,
		instances: cfg.Instances,
		sla:       cfg.SLA,
		notifier:  notifier,
		roles:     cfg.Roles,
		observer:  observer,
		logger:    logger,
		now:       clock,
	}, nil
}

// CheckBreaches runs one scan: overdue pending tasks whose workflow has
// an active SLA policy get a level-1 breach, and existing open breaches
// advance one escalation level when their policy's after-hours threshold
// has elapsed. Problems with one
// task are logged and skipped so a single bad record cannot stall the
// scan. Returns the number of breaches created or escalated.
func (m *Monitor) CheckBreaches(ctx context.Context) (int, error) {
	now := m.now()
	acted := 0

	overdue, err := m.tasks.ListOverdueTasks(now)
	if err != nil {
		return 0, fmt.Errorf("list overdue tasks: %w", err)
	}
	for _, task := range overdue {
		created, err := m.breachTask(ctx, task, now)
		if err != nil {
			m.logger.Error("sla breach check failed",
				"task_id", task.ID, "error", err)
			continue
		}
		if created {
			acted++
		}
	}

	open, err := m.sla.ListOpenBreaches()
	if err != nil {
		return acted, fmt.Errorf("list open breaches: %w", err)
	}
	for _, breach := range open {
		escalated, err := m.escalate(ctx, breach, now)
		if err != nil {
			m.logger.Error("sla escalation failed",
				"breach_id", breach.ID, "error", err)
			continue
		}
		if escalated {
			acted++
		}
	}
	return acted, nil
}

// breachTask opens a level-1 breach for an overdue task that has none
// yet, notifying the assignee and the instance initiator. Tasks whose
// workflow has no active SLA policy are not monitored and open no
// breach.
func (m *Monitor) breachTask(ctx context.Context, task *api.Task, now time.Time) (bool, error) {
	existing, err := m.sla.OpenBreachForTask(task.ID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	inst, err := m.instances.GetInstance(task.InstanceID)
	if err != nil {
		return false, err
	}
	policy, found, err := m.sla.PolicyForWorkflow(inst.WorkflowID)
	if err != nil {
		return false, err
	}
	if !found || !policy.Active {
		return false, nil
	}

	breach := &api.SLABreach{
		ID:              uuid.NewString(),
		InstanceID:      task.InstanceID,
		TaskID:          task.ID,
		EscalationLevel: 1,
		BreachTime:      now,
	}
	if err := m.sla.CreateBreach(breach); err != nil {
		return false, err
	}

	m.observer.OnSLABreach(ctx, breach)
	m.logger.Warn("sla breached",
		"task_id", task.ID, "instance_id", task.InstanceID, "assignee", task.AssignedTo)

	m.notify(ctx, task, breach.EscalationLevel, levelOneRecipients(task, inst))
	return true, nil
}

func levelOneRecipients(task *api.Task, inst *api.WorkflowInstance) []string {
	var recipients []string
	if task.AssignedTo != "" {
		recipients = append(recipients, task.AssignedTo)
	}
	if inst.InitiatedBy != "" && inst.InitiatedBy != task.AssignedTo {
		recipients = append(recipients, inst.InitiatedBy)
	}
	return recipients
}

// escalate advances an open breach one level when the policy's next rule
// has come due. Breaches without a policy (or without further rules) stay
// at their level.
func (m *Monitor) escalate(ctx context.Context, breach *api.SLABreach, now time.Time) (bool, error) {
	task, err := m.tasks.GetTask(breach.TaskID)
	if err != nil {
		return false, err
	}
	if task.Status.Terminal() {
		// The work finished but the breach was never resolved; close it
		// rather than escalating a dead task.
		breach.ResolvedAt = &now
		return false, m.sla.UpdateBreach(breach)
	}

	inst, err := m.instances.GetInstance(breach.InstanceID)
	if err != nil {
		return false, err
	}
	policy, found, err := m.sla.PolicyForWorkflow(inst.WorkflowID)
	if err != nil {
		return false, err
	}
	if !found || !policy.Active {
		return false, nil
	}

	rule, ok := nextRule(policy, breach.EscalationLevel)
	if !ok {
		return false, nil
	}
	elapsed := now.Sub(breach.BreachTime)
	if elapsed < time.Duration(rule.AfterHours*float64(time.Hour)) {
		return false, nil
	}

	breach.EscalationLevel = rule.Level
	if err := m.sla.UpdateBreach(breach); err != nil {
		return false, err
	}

	m.observer.OnSLABreach(ctx, breach)
	m.logger.Warn("sla breach escalated",
		"breach_id", breach.ID, "task_id", task.ID, "level", rule.Level)

	recipients := m.roleRecipients(ctx, inst.TenantID, rule.NotifyRoles)
	if task.AssignedTo != "" {
		recipients = append(recipients, task.AssignedTo)
	}
	m.notify(ctx, task, rule.Level, recipients)
	return true, nil
}

// nextRule picks the lowest rule strictly above the current level, so a
// breach only ever advances one level per scan even when several
// thresholds have passed.
func nextRule(policy api.SLAPolicy, currentLevel int) (api.EscalationRule, bool) {
	var best api.EscalationRule
	found := false
	for _, rule := range policy.Escalations {
		if rule.Level <= currentLevel {
			continue
		}
		if !found || rule.Level < best.Level {
			best = rule
			found = true
		}
	}
	return best, found
}

func (m *Monitor) roleRecipients(ctx context.Context, tenantID string, roleNames []string) []string {
	var recipients []string
	for _, role := range roleNames {
		if m.roles == nil {
			recipients = append(recipients, "role:"+role)
			continue
		}
		users, err := m.roles.UsersInRole(ctx, tenantID, role)
		if err != nil {
			m.logger.Warn("role resolution failed for escalation",
				"role", role, "error", err)
			continue
		}
		recipients = append(recipients, users...)
	}
	return recipients
}

func (m *Monitor) notify(ctx context.Context, task *api.Task, level int, recipients []string) {
	seen := make(map[string]bool, len(recipients))
	for _, user := range recipients {
		if user == "" || seen[user] {
			continue
		}
		seen[user] = true
		if err := m.notifier.SendSLABreach(ctx, user, task, level); err != nil {
			m.logger.Warn("sla breach notification failed",
				"task_id", task.ID, "recipient", user, "error", err)
		}
	}
}
