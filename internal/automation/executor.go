package automation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aviisi/virta/internal/persistence"
	"github.com/aviisi/virta/internal/workerpool"
	"github.com/aviisi/virta/pkg/api"
)

// TemplateStore resolves reusable parameter templates referenced by
// template_id. Config params override template params on conflict.
type TemplateStore interface {
	GetTemplate(id string) (map[string]any, error)
}

// StaticTemplates is a TemplateStore backed by a fixed map.
type StaticTemplates map[string]map[string]any

func (s StaticTemplates) GetTemplate(id string) (map[string]any, error) {
	t, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("automation template not found: %s", id)
	}
	return t, nil
}

// Config wires an Executor's collaborators. Zero-value fields disable
// the corresponding handlers or fall back to safe defaults.
type Config struct {
	Pool      *workerpool.Pool
	Records   persistence.RecordStore
	Notifier  api.Notifier
	Templates TemplateStore
	Logger    *slog.Logger

	// HTTPClient serves api_call and webhook_trigger. Defaults to a
	// client with a 30s dial budget inside the attempt deadline.
	HTTPClient *http.Client

	// DB and Tables configure database_operation: only registered tables
	// and columns are reachable. Nil DB disables the handler.
	DB     *sql.DB
	Tables map[string][]string

	// FileRoot confines file_operation paths. Empty disables the handler.
	FileRoot string

	// AllowShell opts in to shell script execution. Off by default.
	AllowShell bool
	// PythonPath is the interpreter binary for python scripts.
	// Defaults to "python3".
	PythonPath string

	// Functions is the custom_function registry.
	Functions map[string]CustomFunc
}

// Executor dispatches automation configs to registered handlers with
// retries, timeouts and execution records.
type Executor struct {
	handlers map[api.AutomationType]Handler
	sup      *supervisor
	records  persistence.RecordStore
	tpls     TemplateStore
	logger   *slog.Logger
}

// NewExecutor builds an Executor with the default handler set. Handlers
// whose collaborators are missing from cfg are left unregistered and
// report a config error when invoked.
func NewExecutor(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool := cfg.Pool
	if pool == nil {
		pool = workerpool.New(4, 16)
	}

	e := &Executor{
		handlers: make(map[api.AutomationType]Handler),
		sup:      newSupervisor(pool, logger),
		records:  cfg.Records,
		tpls:     cfg.Templates,
		logger:   logger,
	}

	apiCall := newAPICallHandler(cfg.HTTPClient, logger)
	e.Register(apiCall)
	e.Register(newWebhookHandler(apiCall))
	e.Register(newScriptHandler(cfg.AllowShell, cfg.PythonPath, logger))
	e.Register(newTransformHandler())
	if cfg.Notifier != nil {
		e.Register(newNotificationHandler(api.AutomationEmail, cfg.Notifier))
		e.Register(newNotificationHandler(api.AutomationSMS, cfg.Notifier))
	}
	if cfg.DB != nil {
		e.Register(newDatabaseHandler(cfg.DB, cfg.Tables))
	}
	if cfg.FileRoot != "" {
		e.Register(newFileHandler(cfg.FileRoot))
	}
	if len(cfg.Functions) > 0 {
		e.Register(newCustomHandler(cfg.Functions))
	}
	return e
}

// Register installs or replaces the handler for its automation type.
func (e *Executor) Register(h Handler) {
	e.handlers[h.Type()] = h
}

// Execute runs one automation end to end: template merge, context
// interpolation, supervised handler execution, and execution recording.
// Failures are reported in the result, not returned; the error return is
// reserved for invalid configs and storage faults.
func (e *Executor) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (api.AutomationResult, error) {
	start := time.Now().UTC()
	exec := &api.AutomationExecution{
		ID:        uuid.NewString(),
		Type:      cfg.Type,
		Config:    cfg,
		Context:   data,
		Status:    api.ExecutionPending,
		StartedAt: start,
	}

	result := api.AutomationResult{ExecutionID: exec.ID, Timestamp: start}

	if !cfg.Type.Valid() {
		return e.fail(exec, result, fmt.Errorf("unknown automation type: %q", cfg.Type))
	}
	handler, ok := e.handlers[cfg.Type]
	if !ok {
		return e.fail(exec, result, fmt.Errorf("automation type %s is not configured", cfg.Type))
	}

	resolved, err := e.resolveConfig(cfg, data)
	if err != nil {
		return e.fail(exec, result, err)
	}

	exec.Status = api.ExecutionRunning
	e.record(exec)

	value, attempts, runErr := e.sup.run(ctx, resolved, func(ctx context.Context) (map[string]any, error) {
		return handler.Execute(ctx, resolved, data)
	}, func(attempt int, attemptErr error) {
		// Surface in-flight retries on the record so operators watching
		// long-running automations can tell retrying from stuck.
		exec.Status = api.ExecutionRetrying
		exec.Attempts = attempt
		exec.Error = attemptErr.Error()
		e.record(exec)
	})
	exec.Attempts = attempts
	now := time.Now().UTC()
	exec.CompletedAt = &now

	if runErr != nil {
		exec.Status = api.ExecutionFailed
		if api.IsTimeout(runErr) {
			exec.Status = api.ExecutionTimeout
		}
		exec.Error = runErr.Error()
		e.record(exec)

		e.logger.Error("automation failed",
			"type", cfg.Type, "execution_id", exec.ID,
			"attempts", attempts, "error", runErr)
		result.Error = runErr.Error()
		return result, nil
	}

	exec.Status = api.ExecutionCompleted
	exec.Result = value
	exec.Error = ""
	e.record(exec)

	e.logger.Info("automation completed",
		"type", cfg.Type, "execution_id", exec.ID, "attempts", attempts)
	result.Success = true
	result.Result = value
	return result, nil
}

// resolveConfig merges the template (if any) under the config params and
// interpolates placeholders against the workflow context.
func (e *Executor) resolveConfig(cfg api.AutomationConfig, data map[string]any) (api.AutomationConfig, error) {
	params := make(map[string]any, len(cfg.Params))
	if cfg.TemplateID != "" {
		if e.tpls == nil {
			return cfg, fmt.Errorf("template_id %q set but no template store configured", cfg.TemplateID)
		}
		tpl, err := e.tpls.GetTemplate(cfg.TemplateID)
		if err != nil {
			return cfg, err
		}
		for k, v := range tpl {
			params[k] = v
		}
	}
	for k, v := range cfg.Params {
		params[k] = v
	}

	cfg.Params = interpolate(params, data, e.logger).(map[string]any)
	return cfg, nil
}

func (e *Executor) fail(exec *api.AutomationExecution, result api.AutomationResult, err error) (api.AutomationResult, error) {
	now := time.Now().UTC()
	exec.Status = api.ExecutionFailed
	exec.Error = err.Error()
	exec.CompletedAt = &now
	e.record(exec)

	result.Error = err.Error()
	return result, err
}

func (e *Executor) record(exec *api.AutomationExecution) {
	if e.records == nil {
		return
	}
	if err := e.records.RecordAutomationExecution(exec); err != nil {
		e.logger.Error("failed to record automation execution",
			"execution_id", exec.ID, "error", err)
	}
}
