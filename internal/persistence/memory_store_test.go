package persistence

import (
	"errors"
	"testing"
	"time"

	"github.com/aviisi/virta/pkg/api"
)

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewInMemoryStore()

	inst := &api.WorkflowInstance{
		ID:        "inst-1",
		Status:    api.InstancePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.SaveInstance(inst); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}

	got, err := store.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	got.Status = api.InstanceFailed

	again, err := store.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if again.Status != api.InstancePending {
		t.Fatal("mutating a returned instance must not affect the store")
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewInMemoryStore()

	if _, err := store.GetDefinition("x"); !errors.Is(err, api.ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
	}
	if _, err := store.GetInstance("x"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
	if _, err := store.GetTask("x"); !errors.Is(err, api.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := store.UpdateTask(&api.Task{ID: "x"}); !errors.Is(err, api.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound on update, got %v", err)
	}
}

func TestMemoryStoreOverdueTasks(t *testing.T) {
	store := NewInMemoryStore()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	seed := []*api.Task{
		{ID: "late", Status: api.TaskPending, DueDate: &past, CreatedAt: now},
		{ID: "done", Status: api.TaskCompleted, DueDate: &past, CreatedAt: now},
		{ID: "early", Status: api.TaskPending, DueDate: &future, CreatedAt: now},
		{ID: "nodue", Status: api.TaskPending, CreatedAt: now},
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
		t.Fatalf("unexpected overdue tasks: %+v", overdue)
	}
}

func TestMemoryStoreOpenBreachForTask(t *testing.T) {
	store := NewInMemoryStore()

	now := time.Now().UTC()
	if err := store.CreateBreach(&api.SLABreach{
		ID: "b1", TaskID: "task-1", EscalationLevel: 1, BreachTime: now,
	}); err != nil {
		t.Fatalf("CreateBreach failed: %v", err)
	}

	open, err := store.OpenBreachForTask("task-1")
	if err != nil || open == nil {
		t.Fatalf("OpenBreachForTask = %+v, %v", open, err)
	}

	open.ResolvedAt = &now
	if err := store.UpdateBreach(open); err != nil {
		t.Fatalf("UpdateBreach failed: %v", err)
	}
	open, err = store.OpenBreachForTask("task-1")
	if err != nil {
		t.Fatalf("OpenBreachForTask failed: %v", err)
	}
	if open != nil {
		t.Fatal("resolved breach must not be reported as open")
	}
}

func TestMemoryStoreDueTimers(t *testing.T) {
	store := NewInMemoryStore()

	now := time.Now().UTC()
	if err := store.SaveTimer(&Timer{ID: "t1", WakeAt: now.Add(-time.Second)}); err != nil {
		t.Fatalf("SaveTimer failed: %v", err)
	}
	if err := store.SaveTimer(&Timer{ID: "t2", WakeAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("SaveTimer failed: %v", err)
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
	due, _ = store.DueTimers(now)
	if len(due) != 0 {
		t.Fatalf("deleted timer still due: %+v", due)
	}
}
