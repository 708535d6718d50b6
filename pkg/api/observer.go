package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when an instance is first started,
	// before the start step executes.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowCompleted is called when an instance reaches
	// InstanceCompleted.
	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFailed is called when an instance transitions to
	// InstanceFailed.
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnStepStart is called before a step executes.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step)

	// OnStepCompleted is called after a step finishes, for both successes
	// and failures (err != nil).
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, err error, duration time.Duration)

	// OnTaskCreated is called when a task or approval step creates a task.
	OnTaskCreated(ctx context.Context, inst *WorkflowInstance, task *Task)

	// OnSLABreach is called when the SLA monitor creates or escalates a
	// breach.
	OnSLABreach(ctx context.Context, breach *SLABreach)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)             {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)         {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {}
func (NoopObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step)      {}
func (NoopObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, err error, d time.Duration) {
}
func (NoopObserver) OnTaskCreated(ctx context.Context, inst *WorkflowInstance, task *Task) {}
func (NoopObserver) OnSLABreach(ctx context.Context, breach *SLABreach)                    {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, inst, step, err, d)
	}
}

func (c *CompositeObserver) OnTaskCreated(ctx context.Context, inst *WorkflowInstance, task *Task) {
	for _, o := range c.observers {
		o.OnTaskCreated(ctx, inst, task)
	}
}

func (c *CompositeObserver) OnSLABreach(ctx context.Context, breach *SLABreach) {
	for _, o := range c.observers {
		o.OnSLABreach(ctx, breach)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / step / task
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("instance_id", inst.ID),
		slog.String("step", step.ID),
		slog.String("step_type", string(step.Type)),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("instance_id", inst.ID),
		slog.String("step", step.ID),
		slog.String("step_type", string(step.Type)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTaskCreated(ctx context.Context, inst *WorkflowInstance, task *Task) {
	o.Logger.InfoContext(ctx, "task_created",
		slog.String("instance_id", inst.ID),
		slog.String("task_id", task.ID),
		slog.String("assigned_to", task.AssignedTo),
	)
}

func (o *LoggingObserver) OnSLABreach(ctx context.Context, breach *SLABreach) {
	o.Logger.WarnContext(ctx, "sla_breach",
		slog.String("instance_id", breach.InstanceID),
		slog.String("task_id", breach.TaskID),
		slog.Int("level", breach.EscalationLevel),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	tasksCreated       atomic.Int64
	slaBreaches        atomic.Int64
	stepsCompleted     atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	ActiveWorkflows    int64

	TasksCreated int64
	SLABreaches  int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnTaskCreated(ctx context.Context, inst *WorkflowInstance, task *Task) {
	m.tasksCreated.Add(1)
}

func (m *BasicMetrics) OnSLABreach(ctx context.Context, breach *SLABreach) {
	m.slaBreaches.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   started,
		WorkflowsCompleted: completed,
		WorkflowsFailed:    failed,
		ActiveWorkflows:    started - completed - failed,
		TasksCreated:       m.tasksCreated.Load(),
		SLABreaches:        m.slaBreaches.Load(),
		StepsCompleted:     steps,
		AvgStepDuration:    avg,
	}
}
