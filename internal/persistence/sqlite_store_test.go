package persistence

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aviisi/virta/pkg/api"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// The modernc driver opens extra connections lazily; an in-memory
	// database only exists on the first one.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestSQLiteInstanceLifecycle(t *testing.T) {
	store := newSQLiteStore(t)

	inst := &api.WorkflowInstance{
		ID:          "inst-1",
		WorkflowID:  "wf-1",
		TenantID:    "acme",
		InitiatedBy: "alice",
		Status:      api.InstancePending,
		Data:        map[string]any{"amount": float64(120)},
		Metadata:    map[string]string{},
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.SaveInstance(inst); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}

	inst.Status = api.InstanceInProgress
	inst.CurrentStepID = "review"
	inst.Data["approved"] = true
	if err := store.UpdateInstance(inst); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}

	got, err := store.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Status != api.InstanceInProgress || got.CurrentStepID != "review" {
		t.Fatalf("unexpected instance: %+v", got)
	}
	if got.Data["approved"] != true || got.Data["amount"] != float64(120) {
		t.Fatalf("unexpected data: %v", got.Data)
	}

	if _, err := store.GetInstance("ghost"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
	if err := store.UpdateInstance(&api.WorkflowInstance{ID: "ghost"}); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound on update, got %v", err)
	}
}

func TestSQLiteListInstancesFilter(t *testing.T) {
	store := newSQLiteStore(t)

	base := time.Now().UTC()
	seed := []*api.WorkflowInstance{
		{ID: "a", WorkflowID: "wf-1", TenantID: "acme", Status: api.InstanceInProgress, CreatedAt: base},
		{ID: "b", WorkflowID: "wf-1", TenantID: "globex", Status: api.InstanceCompleted, CreatedAt: base.Add(time.Second)},
		{ID: "c", WorkflowID: "wf-2", TenantID: "acme", Status: api.InstanceInProgress, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, inst := range seed {
		if err := store.SaveInstance(inst); err != nil {
			t.Fatalf("SaveInstance failed: %v", err)
		}
	}

	got, err := store.ListInstances(InstanceFilter{WorkflowID: "wf-1", Status: api.InstanceInProgress})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("unexpected result: %+v", got)
	}

	got, err = store.ListInstances(InstanceFilter{TenantID: "acme"})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("expected a, c in creation order, got %+v", got)
	}
}

func TestSQLiteTaskOverdueQuery(t *testing.T) {
	store := newSQLiteStore(t)

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	seed := []*api.Task{
		{ID: "late", InstanceID: "i", StepID: "s", Status: api.TaskPending, DueDate: &past, CreatedAt: now},
		{ID: "done", InstanceID: "i", StepID: "s", Status: api.TaskCompleted, DueDate: &past, CreatedAt: now},
		{ID: "early", InstanceID: "i", StepID: "s", Status: api.TaskPending, DueDate: &future, CreatedAt: now},
		{ID: "nodue", InstanceID: "i", StepID: "s", Status: api.TaskPending, CreatedAt: now},
	}
	for _, task := range seed {
		if err := store.CreateTask(task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	overdue, err := store.ListOverdueTasks(now)
	if err != nil {
		t.Fatalf("ListOverdueTasks failed: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != "late" {
		t.Fatalf("only pending tasks past their due date are overdue, got %+v", overdue)
	}
}

func TestSQLiteTaskRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)

	due := time.Now().UTC().Add(time.Hour)
	task := &api.Task{
		ID:         "task-1",
		InstanceID: "inst-1",
		StepID:     "review",
		Name:       "review expense",
		Status:     api.TaskPending,
		AssignedTo: "bob",
		DueDate:    &due,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	now := time.Now().UTC()
	task.Status = api.TaskCompleted
	task.Result = map[string]any{"approved": true}
	task.CompletedAt = &now
	task.CompletedBy = "bob"
	if err := store.UpdateTask(task); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	got, err := store.GetTask("task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != api.TaskCompleted || got.CompletedBy != "bob" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Result["approved"] != true {
		t.Fatalf("unexpected result: %v", got.Result)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Fatalf("unexpected due date: %v", got.DueDate)
	}

	if _, err := store.GetTask("ghost"); !errors.Is(err, api.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSQLiteBreachQueries(t *testing.T) {
	store := newSQLiteStore(t)

	breach := &api.SLABreach{
		ID:              "breach-1",
		InstanceID:      "inst-1",
		TaskID:          "task-1",
		EscalationLevel: 1,
		BreachTime:      time.Now().UTC(),
	}
	if err := store.CreateBreach(breach); err != nil {
		t.Fatalf("CreateBreach failed: %v", err)
	}

	open, err := store.OpenBreachForTask("task-1")
	if err != nil {
		t.Fatalf("OpenBreachForTask failed: %v", err)
	}
	if open == nil || open.ID != "breach-1" {
		t.Fatalf("unexpected open breach: %+v", open)
	}

	now := time.Now().UTC()
	breach.EscalationLevel = 2
	breach.ResolvedAt = &now
	if err := store.UpdateBreach(breach); err != nil {
		t.Fatalf("UpdateBreach failed: %v", err)
	}

	open, err = store.OpenBreachForTask("task-1")
	if err != nil {
		t.Fatalf("OpenBreachForTask failed: %v", err)
	}
	if open != nil {
		t.Fatalf("resolved breach must not be open: %+v", open)
	}

	all, err := store.ListOpenBreaches()
	if err != nil {
		t.Fatalf("ListOpenBreaches failed: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no open breaches, got %+v", all)
	}
}

func TestSQLiteTimers(t *testing.T) {
	store := newSQLiteStore(t)

	now := time.Now().UTC()
	timers := []*Timer{
		{ID: "t1", InstanceID: "i1", StepID: "wait", WakeAt: now.Add(-time.Minute)},
		{ID: "t2", InstanceID: "i2", StepID: "wait", WakeAt: now.Add(time.Hour)},
	}
	for _, timer := range timers {
		if err := store.SaveTimer(timer); err != nil {
			t.Fatalf("SaveTimer failed: %v", err)
		}
	}

	due, err := store.DueTimers(now)
	if err != nil {
		t.Fatalf("DueTimers failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != "t1" {
		t.Fatalf("unexpected due timers: %+v", due)
	}

	if err := store.DeleteTimer("t1"); err != nil {
		t.Fatalf("DeleteTimer failed: %v", err)
	}
	due, err = store.DueTimers(now)
	if err != nil {
		t.Fatalf("DueTimers failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("deleted timer must not come due again: %+v", due)
	}
}

func TestSQLiteDefinitionUpsert(t *testing.T) {
	store := newSQLiteStore(t)

	def := api.WorkflowDefinition{
		ID:   "def-1",
		Name: "expense",
		Steps: []api.Step{
			{ID: "review", Type: api.StepApproval},
		},
	}
	if err := store.SaveDefinition(def); err != nil {
		t.Fatalf("SaveDefinition failed: %v", err)
	}

	def.Version = "2"
	if err := store.SaveDefinition(def); err != nil {
		t.Fatalf("SaveDefinition upsert failed: %v", err)
	}

	got, err := store.GetDefinition("def-1")
	if err != nil {
		t.Fatalf("GetDefinition failed: %v", err)
	}
	if got.Version != "2" || len(got.Steps) != 1 {
		t.Fatalf("unexpected definition: %+v", got)
	}

	if _, err := store.GetDefinition("ghost"); !errors.Is(err, api.ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
	}
}
