package virta

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/aviisi/virta/internal/automation"
	"github.com/aviisi/virta/internal/engine"
	"github.com/aviisi/virta/internal/persistence"
	"github.com/aviisi/virta/internal/sla"
	"github.com/aviisi/virta/internal/workerpool"
	"github.com/aviisi/virta/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine              = api.Engine
	WorkflowDefinition  = api.WorkflowDefinition
	WorkflowInstance    = api.WorkflowInstance
	InstanceListOptions = api.InstanceListOptions
	Step                = api.Step
	StepType            = api.StepType
	Transition          = api.Transition
	Condition           = api.Condition
	Operator            = api.Operator
	Task                = api.Task
	TaskStatus          = api.TaskStatus
	InstanceStatus      = api.InstanceStatus
	AutomationConfig    = api.AutomationConfig
	AutomationResult    = api.AutomationResult
	AutomationType      = api.AutomationType
	SLAPolicy           = api.SLAPolicy
	SLABreach           = api.SLABreach
	EscalationRule      = api.EscalationRule

	Notifier     = api.Notifier
	AuditSink    = api.AuditSink
	RoleResolver = api.RoleResolver
	StaticRoles  = api.StaticRoles

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// CustomFunc is a host function callable from custom_function
	// automations.
	CustomFunc = automation.CustomFunc

	// SLAMonitor scans for overdue tasks and escalates breaches.
	SLAMonitor = sla.Monitor
	// SLAScheduler runs the SLA scan and timer sweep on cron schedules.
	SLAScheduler = sla.Scheduler
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	ParseDefinition      = api.ParseDefinition
	ParseDefinitionYAML  = api.ParseDefinitionYAML
)

// Re-export instance status values for convenience.

const (
	InstancePending    = api.InstancePending
	InstanceInProgress = api.InstanceInProgress
	InstanceCompleted  = api.InstanceCompleted
	InstanceFailed     = api.InstanceFailed
	InstanceCancelled  = api.InstanceCancelled
	InstancePaused     = api.InstancePaused
)

// Config tunes a System beyond the defaults. The zero value is usable:
// noop notifier and audit sink, default logger, a small worker pool, and
// no database-, file- or shell-backed automations.
type Config struct {
	Observer api.Observer
	Notifier api.Notifier
	Audit    api.AuditSink
	Roles    api.RoleResolver
	Logger   *slog.Logger

	// Workers and QueueDepth size the automation worker pool.
	Workers    int
	QueueDepth int

	// HTTPClient serves api_call and webhook_trigger automations.
	HTTPClient *http.Client

	// AutomationDB and AutomationTables enable database_operation
	// automations against the registered tables and columns.
	AutomationDB     *sql.DB
	AutomationTables map[string][]string

	// FileRoot enables file_operation automations confined to this
	// directory.
	FileRoot string

	// AllowShell opts in to shell scripts; PythonPath overrides the
	// python interpreter binary.
	AllowShell bool
	PythonPath string

	// Templates are reusable automation parameter sets referenced by
	// template_id.
	Templates map[string]map[string]any

	// Functions is the custom_function registry.
	Functions map[string]CustomFunc

	// SLAScanSpec and TimerSweepSpec are cron specs for the background
	// jobs; empty specs leave the corresponding job unscheduled.
	SLAScanSpec    string
	TimerSweepSpec string
}

// System bundles an engine with its SLA monitor and optional scheduler.
type System struct {
	Engine    Engine
	SLA       *SLAMonitor
	Scheduler *SLAScheduler

	pool *workerpool.Pool
}

// Close stops the scheduler (if any) and drains the worker pool.
func (s *System) Close() {
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	s.pool.Close()
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// stores, for tests and single-process embedding.
func NewInMemoryEngine() Engine {
	sys, err := NewSystem(persistence.NewInMemoryStore().Bundle(), Config{})
	if err != nil {
		// In-memory wiring has no failure modes beyond programmer error.
		panic(err)
	}
	return sys.Engine
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the
// given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	sys, err := NewSystem(persistence.NewInMemoryStore().Bundle(), Config{Observer: obs})
	if err != nil {
		panic(err)
	}
	return sys.Engine
}

// NewSQLiteEngine returns an Engine that persists definitions,
// instances, tasks and records in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	sys, err := NewSystem(store.Bundle(), Config{})
	if err != nil {
		return nil, err
	}
	return sys.Engine, nil
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the
// given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	sys, err := NewSystem(store.Bundle(), Config{Observer: obs})
	if err != nil {
		return nil, err
	}
	return sys.Engine, nil
}

// NewInMemorySystem builds a full System (engine, SLA monitor, optional
// scheduler) on in-memory stores.
func NewInMemorySystem(cfg Config) (*System, error) {
	return NewSystem(persistence.NewInMemoryStore().Bundle(), cfg)
}

// NewSQLiteSystem builds a full System persisted in SQLite.
func NewSQLiteSystem(db *sql.DB, cfg Config) (*System, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewSystem(store.Bundle(), cfg)
}

// NewSystem wires an engine and SLA monitor over the given stores.
// Callers with their own store implementations enter here.
func NewSystem(stores persistence.Persistence, cfg Config) (*System, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 4 * workers
	}
	pool := workerpool.New(workers, queueDepth)

	var templates automation.TemplateStore
	if len(cfg.Templates) > 0 {
		templates = automation.StaticTemplates(cfg.Templates)
	}
	executor := automation.NewExecutor(automation.Config{
		Pool:       pool,
		Records:    stores.Records,
		Notifier:   cfg.Notifier,
		Templates:  templates,
		Logger:     logger,
		HTTPClient: cfg.HTTPClient,
		DB:         cfg.AutomationDB,
		Tables:     cfg.AutomationTables,
		FileRoot:   cfg.FileRoot,
		AllowShell: cfg.AllowShell,
		PythonPath: cfg.PythonPath,
		Functions:  cfg.Functions,
	})

	eng, err := engine.New(engine.Config{
		Persistence: stores,
		Automation:  executor,
		Observer:    cfg.Observer,
		Notifier:    cfg.Notifier,
		Audit:       cfg.Audit,
		Roles:       cfg.Roles,
		Logger:      logger,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	sys := &System{Engine: eng, pool: pool}
	if stores.SLA != nil {
		monitor, err := sla.New(sla.Config{
			Tasks:     stores.Tasks,
			Instances: stores.Instances,
			SLA:       stores.SLA,
			Notifier:  cfg.Notifier,
			Roles:     cfg.Roles,
			Observer:  cfg.Observer,
			Logger:    logger,
		})
		if err != nil {
			pool.Close()
			return nil, err
		}
		sys.SLA = monitor
	}

	if cfg.SLAScanSpec != "" && sys.SLA == nil {
		pool.Close()
		return nil, api.NewWorkflowError("", "sla scan scheduled but no sla store configured")
	}
	if cfg.SLAScanSpec != "" || cfg.TimerSweepSpec != "" {
		scheduler, err := sla.NewScheduler(sys.SLA, eng, cfg.SLAScanSpec, cfg.TimerSweepSpec, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		scheduler.Start()
		sys.Scheduler = scheduler
	}
	return sys, nil
}
