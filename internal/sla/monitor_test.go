package sla

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aviisi/virta/internal/persistence"
	"github.com/aviisi/virta/pkg/api"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type breachCall struct {
	user  string
	level int
}

type recordingNotifier struct {
	api.NoopNotifier
	mu    sync.Mutex
	calls []breachCall
}

func (n *recordingNotifier) SendSLABreach(ctx context.Context, user string, task *api.Task, level int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, breachCall{user: user, level: level})
	return nil
}

func (n *recordingNotifier) snapshot() []breachCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]breachCall(nil), n.calls...)
}

type fixture struct {
	monitor  *Monitor
	store    *persistence.InMemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := persistence.NewInMemoryStore()
	clock := newFakeClock()
	notifier := &recordingNotifier{}

	monitor, err := New(Config{
		Tasks:     store,
		Instances: store,
		SLA:       store,
		Notifier:  notifier,
		Roles:     api.StaticRoles{"managers": {"mallory"}, "directors": {"dana"}},
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{monitor: monitor, store: store, clock: clock, notifier: notifier}
}

// seedTask creates an instance and a pending task due one hour after the
// fixture clock's start.
func (f *fixture) seedTask(t *testing.T) *api.Task {
	t.Helper()

	inst := &api.WorkflowInstance{
		ID:          "inst-1",
		WorkflowID:  "wf-1",
		InitiatedBy: "alice",
		Status:      api.InstanceInProgress,
		Data:        map[string]any{},
		Metadata:    map[string]string{},
		CreatedAt:   f.clock.Now(),
	}
	if err := f.store.SaveInstance(inst); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}

	due := f.clock.Now().Add(time.Hour)
	task := &api.Task{
		ID:         "task-1",
		InstanceID: inst.ID,
		StepID:     "review",
		Name:       "review",
		Status:     api.TaskPending,
		AssignedTo: "bob",
		DueDate:    &due,
		CreatedAt:  f.clock.Now(),
	}
	if err := f.store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func (f *fixture) seedPolicy(t *testing.T) {
	t.Helper()
	err := f.store.SavePolicy(api.SLAPolicy{
		ID:         "policy-1",
		WorkflowID: "wf-1",
		Name:       "review-sla",
		Active:     true,
		Escalations: []api.EscalationRule{
			{Level: 2, AfterHours: 4, NotifyRoles: []string{"managers"}},
			{Level: 3, AfterHours: 8, NotifyRoles: []string{"directors"}},
		},
	})
	if err != nil {
		t.Fatalf("SavePolicy failed: %v", err)
	}
}

func openBreach(t *testing.T, store *persistence.InMemoryStore, taskID string) *api.SLABreach {
	t.Helper()
	breach, err := store.OpenBreachForTask(taskID)
	if err != nil {
		t.Fatalf("OpenBreachForTask failed: %v", err)
	}
	return breach
}

func TestOverdueTaskOpensLevelOneBreach(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t)
	f.seedPolicy(t)
	ctx := context.Background()

	// Not yet due.
	acted, err := f.monitor.CheckBreaches(ctx)
	if err != nil || acted != 0 {
		t.Fatalf("scan before due date = %d, %v", acted, err)
	}

	f.clock.Advance(2 * time.Hour)
	acted, err = f.monitor.CheckBreaches(ctx)
	if err != nil {
		t.Fatalf("CheckBreaches failed: %v", err)
	}
	if acted != 1 {
		t.Fatalf("expected 1 new breach, got %d", acted)
	}

	breach := openBreach(t, f.store, task.ID)
	if breach == nil {
		t.Fatal("no open breach recorded")
	}
	if breach.EscalationLevel != 1 {
		t.Fatalf("new breaches start at level 1, got %d", breach.EscalationLevel)
	}

	// Assignee and initiator are both notified at level 1.
	calls := f.notifier.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected 2 notifications, got %v", calls)
	}
	users := map[string]bool{calls[0].user: true, calls[1].user: true}
	if !users["bob"] || !users["alice"] {
		t.Fatalf("assignee and initiator must be notified, got %v", calls)
	}
}

func TestRepeatScanDoesNotDuplicateBreach(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t)
	f.seedPolicy(t)
	ctx := context.Background()

	f.clock.Advance(2 * time.Hour)
	if _, err := f.monitor.CheckBreaches(ctx); err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	acted, err := f.monitor.CheckBreaches(ctx)
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if acted != 0 {
		t.Fatalf("an open breach must not be re-created, acted = %d", acted)
	}
}

func TestEscalationAdvancesOneLevelPerScan(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t)
	f.seedPolicy(t)
	ctx := context.Background()

	f.clock.Advance(2 * time.Hour)
	if _, err := f.monitor.CheckBreaches(ctx); err != nil {
		t.Fatalf("breach scan failed: %v", err)
	}

	// Before the 4h threshold the breach holds at level 1.
	f.clock.Advance(time.Hour)
	acted, err := f.monitor.CheckBreaches(ctx)
	if err != nil || acted != 0 {
		t.Fatalf("scan before the threshold = %d, %v", acted, err)
	}
	if got := openBreach(t, f.store, task.ID).EscalationLevel; got != 1 {
		t.Fatalf("expected level 1 before after_hours, got %d", got)
	}

	// Both the 4h and 8h thresholds have long passed, but a single scan
	// advances a single level.
	f.clock.Advance(24 * time.Hour)
	acted, err = f.monitor.CheckBreaches(ctx)
	if err != nil {
		t.Fatalf("escalation scan failed: %v", err)
	}
	if acted != 1 {
		t.Fatalf("expected one escalation, got %d", acted)
	}
	if got := openBreach(t, f.store, task.ID).EscalationLevel; got != 2 {
		t.Fatalf("expected level 2 after one scan, got %d", got)
	}

	if _, err := f.monitor.CheckBreaches(ctx); err != nil {
		t.Fatalf("second escalation scan failed: %v", err)
	}
	if got := openBreach(t, f.store, task.ID).EscalationLevel; got != 3 {
		t.Fatalf("expected level 3 after two scans, got %d", got)
	}

	// No rule above level 3: further scans are no-ops.
	acted, err = f.monitor.CheckBreaches(ctx)
	if err != nil || acted != 0 {
		t.Fatalf("scan past the last rule = %d, %v", acted, err)
	}

	// Level 2 notified the managers role, level 3 the directors role, and
	// the assignee each time.
	var mallory, dana, bobEscalations int
	for _, call := range f.notifier.snapshot() {
		switch {
		case call.user == "mallory" && call.level == 2:
			mallory++
		case call.user == "dana" && call.level == 3:
			dana++
		case call.user == "bob" && call.level > 1:
			bobEscalations++
		}
	}
	if mallory != 1 || dana != 1 || bobEscalations != 2 {
		t.Fatalf("unexpected escalation notifications: mallory=%d dana=%d bob=%d",
			mallory, dana, bobEscalations)
	}
}

// Deactivating a policy stops monitoring entirely: an overdue task under
// an inactive policy opens no breach and sends nothing.
func TestInactivePolicyOpensNoBreach(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t)
	ctx := context.Background()

	if err := f.store.SavePolicy(api.SLAPolicy{
		ID:         "policy-1",
		WorkflowID: "wf-1",
		Active:     false,
		Escalations: []api.EscalationRule{
			{Level: 2, AfterHours: 1},
		},
	}); err != nil {
		t.Fatalf("SavePolicy failed: %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	acted, err := f.monitor.CheckBreaches(ctx)
	if err != nil || acted != 0 {
		t.Fatalf("scan under an inactive policy = %d, %v", acted, err)
	}
	if openBreach(t, f.store, task.ID) != nil {
		t.Fatal("inactive policy must not open a breach")
	}
	if calls := f.notifier.snapshot(); len(calls) != 0 {
		t.Fatalf("inactive policy must not notify, got %v", calls)
	}
}

func TestTerminalTaskClosesStaleBreach(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t)
	f.seedPolicy(t)
	ctx := context.Background()

	f.clock.Advance(2 * time.Hour)
	if _, err := f.monitor.CheckBreaches(ctx); err != nil {
		t.Fatalf("breach scan failed: %v", err)
	}

	// The task finishes out of band; the next scan should close the
	// breach instead of escalating it.
	task.Status = api.TaskCompleted
	now := f.clock.Now()
	task.CompletedAt = &now
	if err := f.store.UpdateTask(task); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	f.clock.Advance(24 * time.Hour)
	acted, err := f.monitor.CheckBreaches(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if acted != 0 {
		t.Fatalf("terminal task must not escalate, acted = %d", acted)
	}
	if openBreach(t, f.store, task.ID) != nil {
		t.Fatal("breach must be resolved once the task is terminal")
	}
}

func TestMissingPolicyOpensNoBreach(t *testing.T) {
	f := newFixture(t)
	task := f.seedTask(t)
	ctx := context.Background()

	f.clock.Advance(2 * time.Hour)
	acted, err := f.monitor.CheckBreaches(ctx)
	if err != nil || acted != 0 {
		t.Fatalf("scan without a policy = %d, %v", acted, err)
	}
	if openBreach(t, f.store, task.ID) != nil {
		t.Fatal("tasks without an SLA policy are not monitored")
	}
}
