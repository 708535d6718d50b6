package api

import "context"

// Notifier decides nothing: the engine decides that a message should be
// sent and to whom, the Notifier owns delivery mechanics (SMTP, SMS,
// webhooks) outside this module.
type Notifier interface {
	// SendTaskAssignment notifies a user that a task was assigned to them.
	SendTaskAssignment(ctx context.Context, user string, task *Task) error

	// SendNotification sends a templated notification with the given data.
	SendNotification(ctx context.Context, user string, template string, data map[string]any) error

	// SendSLABreach notifies a user that a task breached its SLA at the
	// given escalation level.
	SendSLABreach(ctx context.Context, user string, task *Task, level int) error

	// SendWorkflowCompletion notifies a user that an instance finished.
	SendWorkflowCompletion(ctx context.Context, user string, inst *WorkflowInstance) error
}

// AuditSink receives engine action records. Failures are logged by the
// engine and never fail the triggering operation.
type AuditSink interface {
	LogAction(ctx context.Context, actor, action, resourceType, resourceID string, details map[string]any) error
}

// RoleResolver expands a role name to its member users. It backs
// "role:<name>" assignee expressions and SLA escalation recipients.
type RoleResolver interface {
	UsersInRole(ctx context.Context, tenantID, role string) ([]string, error)
}

// NoopNotifier discards all notifications. Used when no notifier is
// configured.
type NoopNotifier struct{}

func (NoopNotifier) SendTaskAssignment(ctx context.Context, user string, task *Task) error {
	return nil
}

func (NoopNotifier) SendNotification(ctx context.Context, user string, template string, data map[string]any) error {
	return nil
}

func (NoopNotifier) SendSLABreach(ctx context.Context, user string, task *Task, level int) error {
	return nil
}

func (NoopNotifier) SendWorkflowCompletion(ctx context.Context, user string, inst *WorkflowInstance) error {
	return nil
}

// NoopAuditSink discards audit records.
type NoopAuditSink struct{}

func (NoopAuditSink) LogAction(ctx context.Context, actor, action, resourceType, resourceID string, details map[string]any) error {
	return nil
}

// StaticRoles is a RoleResolver backed by a fixed role -> users map,
// ignoring tenant. Useful for tests and single-tenant embedders.
type StaticRoles map[string][]string

func (r StaticRoles) UsersInRole(ctx context.Context, tenantID, role string) ([]string, error) {
	return r[role], nil
}
