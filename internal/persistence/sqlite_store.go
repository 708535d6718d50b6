package persistence

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/aviisi/virta/pkg/api"
)

// SQLiteStore implements every store interface on top of a SQLite
// database.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ DefinitionStore = (*SQLiteStore)(nil)
	_ InstanceStore   = (*SQLiteStore)(nil)
	_ TaskStore       = (*SQLiteStore)(nil)
	_ RecordStore     = (*SQLiteStore)(nil)
	_ SLAStore        = (*SQLiteStore)(nil)
	_ TimerStore      = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Bundle returns a Persistence with every store backed by s.
func (s *SQLiteStore) Bundle() Persistence {
	return Persistence{
		Definitions: s,
		Instances:   s,
		Tasks:       s,
		Records:     s,
		SLA:         s,
		Timers:      s,
	}
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS definitions (
			id TEXT PRIMARY KEY,
			body BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			initiated_by TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_step_id TEXT NOT NULL DEFAULT '',
			data BLOB,
			metadata BLOB,
			created_at TEXT NOT NULL,
			completed_at TEXT,
			error_details BLOB
		);
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			assigned_to TEXT NOT NULL DEFAULT '',
			due_date TEXT,
			result BLOB,
			created_at TEXT NOT NULL,
			completed_at TEXT,
			completed_by TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_instance ON tasks(instance_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, due_date);
		CREATE TABLE IF NOT EXISTS step_executions (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			success INTEGER NOT NULL,
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			executed_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_step_exec_instance ON step_executions(instance_id);
		CREATE TABLE IF NOT EXISTS automation_executions (
			id TEXT PRIMARY KEY,
			automation_type TEXT NOT NULL,
			config BLOB,
			context BLOB,
			status TEXT NOT NULL,
			result BLOB,
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			completed_at TEXT
		);
		CREATE TABLE IF NOT EXISTS sla_policies (
			workflow_id TEXT PRIMARY KEY,
			body BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sla_breaches (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			escalation_level INTEGER NOT NULL,
			breach_time TEXT NOT NULL,
			resolved_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_breach_task ON sla_breaches(task_id, resolved_at);
		CREATE TABLE IF NOT EXISTS timers (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			wake_at TEXT NOT NULL
		);`,
	)
	return err
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) SaveDefinition(def api.WorkflowDefinition) error {
	body, err := encodeJSON(def)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO definitions (id, body) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		def.ID, body,
	)
	return err
}

func (s *SQLiteStore) GetDefinition(id string) (api.WorkflowDefinition, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM definitions WHERE id = ?`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.WorkflowDefinition{}, api.ErrDefinitionNotFound
		}
		return api.WorkflowDefinition{}, err
	}

	var def api.WorkflowDefinition
	if err := decodeJSON(body, &def); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

func (s *SQLiteStore) SaveInstance(inst *api.WorkflowInstance) error {
	data, err := encodeJSON(inst.Data)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(inst.Metadata)
	if err != nil {
		return err
	}
	errDetails, err := encodeJSON(inst.ErrorDetails)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO instances
			(id, workflow_id, tenant_id, initiated_by, status, current_step_id,
			 data, metadata, created_at, completed_at, error_details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.WorkflowID,
		inst.TenantID,
		inst.InitiatedBy,
		string(inst.Status),
		inst.CurrentStepID,
		data,
		metadata,
		encodeTime(inst.CreatedAt),
		encodeTimePtr(inst.CompletedAt),
		errDetails,
	)
	return err
}

func (s *SQLiteStore) UpdateInstance(inst *api.WorkflowInstance) error {
	data, err := encodeJSON(inst.Data)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(inst.Metadata)
	if err != nil {
		return err
	}
	errDetails, err := encodeJSON(inst.ErrorDetails)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE instances
		SET status = ?, current_step_id = ?, data = ?, metadata = ?,
		    completed_at = ?, error_details = ?
		WHERE id = ?`,
		string(inst.Status),
		inst.CurrentStepID,
		data,
		metadata,
		encodeTimePtr(inst.CompletedAt),
		errDetails,
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteStore) scanInstance(row interface{ Scan(...any) error }) (*api.WorkflowInstance, error) {
	var inst api.WorkflowInstance
	var statusStr, createdAt string
	var completedAt sql.NullString
	var data, metadata, errDetails []byte

	if err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.TenantID, &inst.InitiatedBy,
		&statusStr, &inst.CurrentStepID, &data, &metadata,
		&createdAt, &completedAt, &errDetails,
	); err != nil {
		return nil, err
	}

	inst.Status = api.InstanceStatus(statusStr)

	var err error
	if inst.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if inst.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(data, &inst.Data); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &inst.Metadata); err != nil {
		return nil, err
	}
	if err := decodeJSON(errDetails, &inst.ErrorDetails); err != nil {
		return nil, err
	}
	return &inst, nil
}

const instanceColumns = `id, workflow_id, tenant_id, initiated_by, status,
	current_step_id, data, metadata, created_at, completed_at, error_details`

func (s *SQLiteStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := s.scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLiteStore) CreateTask(t *api.Task) error {
	result, err := encodeJSON(t.Result)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO tasks
			(id, instance_id, step_id, name, status, assigned_to, due_date,
			 result, created_at, completed_at, completed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.InstanceID, t.StepID, t.Name, string(t.Status), t.AssignedTo,
		encodeTimePtr(t.DueDate), result, encodeTime(t.CreatedAt),
		encodeTimePtr(t.CompletedAt), t.CompletedBy,
	)
	return err
}

func (s *SQLiteStore) UpdateTask(t *api.Task) error {
	result, err := encodeJSON(t.Result)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = ?, assigned_to = ?, due_date = ?, result = ?,
		    completed_at = ?, completed_by = ?
		WHERE id = ?`,
		string(t.Status), t.AssignedTo, encodeTimePtr(t.DueDate), result,
		encodeTimePtr(t.CompletedAt), t.CompletedBy, t.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrTaskNotFound
	}
	return nil
}

const taskColumns = `id, instance_id, step_id, name, status, assigned_to,
	due_date, result, created_at, completed_at, completed_by`

func (s *SQLiteStore) scanTask(row interface{ Scan(...any) error }) (*api.Task, error) {
	var t api.Task
	var statusStr, createdAt string
	var dueDate, completedAt sql.NullString
	var result []byte

	if err := row.Scan(
		&t.ID, &t.InstanceID, &t.StepID, &t.Name, &statusStr, &t.AssignedTo,
		&dueDate, &result, &createdAt, &completedAt, &t.CompletedBy,
	); err != nil {
		return nil, err
	}

	t.Status = api.TaskStatus(statusStr)

	var err error
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if t.DueDate, err = decodeTimePtr(dueDate); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(result, &t.Result); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) GetTask(id string) (*api.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := s.scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) listTasks(query string, args ...any) ([]*api.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*api.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) ListTasksByInstance(instanceID string) ([]*api.Task, error) {
	return s.listTasks(
		`SELECT `+taskColumns+` FROM tasks WHERE instance_id = ? ORDER BY created_at`,
		instanceID,
	)
}

func (s *SQLiteStore) ListOverdueTasks(now time.Time) ([]*api.Task, error) {
	return s.listTasks(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND due_date IS NOT NULL AND due_date < ?
		 ORDER BY created_at`,
		string(api.TaskPending), encodeTime(now),
	)
}

func (s *SQLiteStore) AppendStepExecution(rec *api.StepExecutionRecord) error {
	output, err := encodeJSON(rec.Output)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO step_executions
			(id, instance_id, step_id, attempt, success, output, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.InstanceID, rec.StepID, rec.Attempt, boolToInt(rec.Success),
		output, rec.Error, encodeTime(rec.ExecutedAt),
	)
	return err
}

func (s *SQLiteStore) ListStepExecutions(instanceID string) ([]*api.StepExecutionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, instance_id, step_id, attempt, success, output, error, executed_at
		FROM step_executions WHERE instance_id = ? ORDER BY executed_at`,
		instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*api.StepExecutionRecord
	for rows.Next() {
		var rec api.StepExecutionRecord
		var success int
		var output []byte
		var executedAt string

		if err := rows.Scan(
			&rec.ID, &rec.InstanceID, &rec.StepID, &rec.Attempt, &success,
			&output, &rec.Error, &executedAt,
		); err != nil {
			return nil, err
		}
		rec.Success = success != 0
		if rec.ExecutedAt, err = decodeTime(executedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(output, &rec.Output); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) RecordAutomationExecution(exec *api.AutomationExecution) error {
	config, err := encodeJSON(exec.Config)
	if err != nil {
		return err
	}
	context, err := encodeJSON(exec.Context)
	if err != nil {
		return err
	}
	result, err := encodeJSON(exec.Result)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO automation_executions
			(id, automation_type, config, context, status, result, error,
			 attempts, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, result = excluded.result,
			error = excluded.error, attempts = excluded.attempts,
			completed_at = excluded.completed_at`,
		exec.ID, string(exec.Type), config, context, string(exec.Status),
		result, exec.Error, exec.Attempts, encodeTime(exec.StartedAt),
		encodeTimePtr(exec.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetAutomationExecution(id string) (*api.AutomationExecution, error) {
	row := s.db.QueryRow(`
		SELECT id, automation_type, config, context, status, result, error,
		       attempts, started_at, completed_at
		FROM automation_executions WHERE id = ?`, id)

	var exec api.AutomationExecution
	var typeStr, statusStr, startedAt string
	var completedAt sql.NullString
	var config, context, result []byte

	if err := row.Scan(
		&exec.ID, &typeStr, &config, &context, &statusStr, &result,
		&exec.Error, &exec.Attempts, &startedAt, &completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.NewWorkflowError("", "automation execution not found: %s", id)
		}
		return nil, err
	}

	exec.Type = api.AutomationType(typeStr)
	exec.Status = api.ExecutionStatus(statusStr)

	var err error
	if exec.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(config, &exec.Config); err != nil {
		return nil, err
	}
	if err := decodeJSON(context, &exec.Context); err != nil {
		return nil, err
	}
	if err := decodeJSON(result, &exec.Result); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *SQLiteStore) SavePolicy(p api.SLAPolicy) error {
	body, err := encodeJSON(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sla_policies (workflow_id, body) VALUES (?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET body = excluded.body`,
		p.WorkflowID, body,
	)
	return err
}

func (s *SQLiteStore) PolicyForWorkflow(workflowID string) (api.SLAPolicy, bool, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM sla_policies WHERE workflow_id = ?`, workflowID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.SLAPolicy{}, false, nil
		}
		return api.SLAPolicy{}, false, err
	}

	var p api.SLAPolicy
	if err := decodeJSON(body, &p); err != nil {
		return api.SLAPolicy{}, false, err
	}
	return p, true, nil
}

func (s *SQLiteStore) CreateBreach(b *api.SLABreach) error {
	_, err := s.db.Exec(`
		INSERT INTO sla_breaches
			(id, instance_id, task_id, escalation_level, breach_time, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.InstanceID, b.TaskID, b.EscalationLevel,
		encodeTime(b.BreachTime), encodeTimePtr(b.ResolvedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateBreach(b *api.SLABreach) error {
	res, err := s.db.Exec(`
		UPDATE sla_breaches
		SET escalation_level = ?, resolved_at = ?
		WHERE id = ?`,
		b.EscalationLevel, encodeTimePtr(b.ResolvedAt), b.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.NewWorkflowError("", "sla breach not found: %s", b.ID)
	}
	return nil
}

func (s *SQLiteStore) scanBreach(row interface{ Scan(...any) error }) (*api.SLABreach, error) {
	var b api.SLABreach
	var breachTime string
	var resolvedAt sql.NullString

	if err := row.Scan(
		&b.ID, &b.InstanceID, &b.TaskID, &b.EscalationLevel, &breachTime, &resolvedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if b.BreachTime, err = decodeTime(breachTime); err != nil {
		return nil, err
	}
	if b.ResolvedAt, err = decodeTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) OpenBreachForTask(taskID string) (*api.SLABreach, error) {
	row := s.db.QueryRow(`
		SELECT id, instance_id, task_id, escalation_level, breach_time, resolved_at
		FROM sla_breaches WHERE task_id = ? AND resolved_at IS NULL`, taskID)

	b, err := s.scanBreach(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

func (s *SQLiteStore) ListOpenBreaches() ([]*api.SLABreach, error) {
	rows, err := s.db.Query(`
		SELECT id, instance_id, task_id, escalation_level, breach_time, resolved_at
		FROM sla_breaches WHERE resolved_at IS NULL ORDER BY breach_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breaches []*api.SLABreach
	for rows.Next() {
		b, err := s.scanBreach(rows)
		if err != nil {
			return nil, err
		}
		breaches = append(breaches, b)
	}
	return breaches, rows.Err()
}

func (s *SQLiteStore) SaveTimer(t *Timer) error {
	_, err := s.db.Exec(`
		INSERT INTO timers (id, instance_id, step_id, wake_at)
		VALUES (?, ?, ?, ?)`,
		t.ID, t.InstanceID, t.StepID, encodeTime(t.WakeAt),
	)
	return err
}

func (s *SQLiteStore) DueTimers(now time.Time) ([]*Timer, error) {
	rows, err := s.db.Query(`
		SELECT id, instance_id, step_id, wake_at
		FROM timers WHERE wake_at <= ? ORDER BY wake_at`,
		encodeTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*Timer
	for rows.Next() {
		var t Timer
		var wakeAt string
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.StepID, &wakeAt); err != nil {
			return nil, err
		}
		if t.WakeAt, err = decodeTime(wakeAt); err != nil {
			return nil, err
		}
		timers = append(timers, &t)
	}
	return timers, rows.Err()
}

func (s *SQLiteStore) DeleteTimer(id string) error {
	_, err := s.db.Exec(`DELETE FROM timers WHERE id = ?`, id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
