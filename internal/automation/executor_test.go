package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aviisi/virta/internal/persistence"
	"github.com/aviisi/virta/internal/workerpool"
	"github.com/aviisi/virta/pkg/api"
)

// flakyHandler fails the first failures calls, then succeeds.
type flakyHandler struct {
	typ      api.AutomationType
	failures int
	calls    atomic.Int64
	lastCfg  api.AutomationConfig
}

func (h *flakyHandler) Type() api.AutomationType { return h.typ }

func (h *flakyHandler) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	h.lastCfg = cfg
	n := h.calls.Add(1)
	if int(n) <= h.failures {
		return nil, fmt.Errorf("transient failure %d", n)
	}
	return map[string]any{"attempt": int(n)}, nil
}

func newTestExecutor(t *testing.T, store *persistence.InMemoryStore) *Executor {
	t.Helper()
	pool := workerpool.New(2, 4)
	t.Cleanup(pool.Close)

	e := NewExecutor(Config{Pool: pool, Records: store})
	e.sup.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func TestExecuteRetriesExactly(t *testing.T) {
	store := persistence.NewInMemoryStore()
	e := newTestExecutor(t, store)

	// max_retries=2 means up to three attempts; the handler fails twice,
	// so the third attempt succeeds.
	h := &flakyHandler{typ: api.AutomationCustom, failures: 2}
	e.Register(h)

	result, err := e.Execute(context.Background(), api.AutomationConfig{
		Type:              api.AutomationCustom,
		MaxRetries:        2,
		RetryDelaySeconds: -1,
	}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success after retries, got error %q", result.Error)
	}
	if got := h.calls.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}

	exec, err := store.GetAutomationExecution(result.ExecutionID)
	if err != nil {
		t.Fatalf("GetAutomationExecution failed: %v", err)
	}
	if exec.Status != api.ExecutionCompleted || exec.Attempts != 3 {
		t.Fatalf("unexpected execution record: status=%s attempts=%d", exec.Status, exec.Attempts)
	}
}

// statusRecorder captures every record write so the intermediate
// statuses of an execution are observable.
type statusRecorder struct {
	*persistence.InMemoryStore
	mu       sync.Mutex
	statuses []api.ExecutionStatus
}

func (r *statusRecorder) RecordAutomationExecution(exec *api.AutomationExecution) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, exec.Status)
	r.mu.Unlock()
	return r.InMemoryStore.RecordAutomationExecution(exec)
}

func TestExecuteRecordsRetryingBetweenAttempts(t *testing.T) {
	rec := &statusRecorder{InMemoryStore: persistence.NewInMemoryStore()}
	pool := workerpool.New(2, 4)
	t.Cleanup(pool.Close)

	e := NewExecutor(Config{Pool: pool, Records: rec})
	e.sup.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	h := &flakyHandler{typ: api.AutomationCustom, failures: 2}
	e.Register(h)

	result, err := e.Execute(context.Background(), api.AutomationConfig{
		Type:              api.AutomationCustom,
		MaxRetries:        2,
		RetryDelaySeconds: -1,
	}, nil)
	if err != nil || !result.Success {
		t.Fatalf("Execute failed: %v / %q", err, result.Error)
	}

	var retrying int
	for _, s := range rec.statuses {
		if s == api.ExecutionRetrying {
			retrying++
		}
	}
	if retrying != 2 {
		t.Fatalf("two failed attempts must record retrying twice, got %d (%v)", retrying, rec.statuses)
	}
	if last := rec.statuses[len(rec.statuses)-1]; last != api.ExecutionCompleted {
		t.Fatalf("final recorded status must be completed, got %s", last)
	}

	exec, err := rec.GetAutomationExecution(result.ExecutionID)
	if err != nil {
		t.Fatalf("GetAutomationExecution failed: %v", err)
	}
	if exec.Error != "" {
		t.Fatalf("retry error must be cleared on success, got %q", exec.Error)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	store := persistence.NewInMemoryStore()
	e := newTestExecutor(t, store)

	h := &flakyHandler{typ: api.AutomationCustom, failures: 10}
	e.Register(h)

	result, err := e.Execute(context.Background(), api.AutomationConfig{
		Type:              api.AutomationCustom,
		MaxRetries:        2,
		RetryDelaySeconds: -1,
	}, nil)
	if err != nil {
		t.Fatalf("Execute returned a transport error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	if got := h.calls.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}

	exec, err := store.GetAutomationExecution(result.ExecutionID)
	if err != nil {
		t.Fatalf("GetAutomationExecution failed: %v", err)
	}
	if exec.Status != api.ExecutionFailed {
		t.Fatalf("expected failed execution, got %s", exec.Status)
	}
}

func TestExecuteRetryOnErrorDisabled(t *testing.T) {
	store := persistence.NewInMemoryStore()
	e := newTestExecutor(t, store)

	h := &flakyHandler{typ: api.AutomationCustom, failures: 10}
	e.Register(h)

	off := false
	result, err := e.Execute(context.Background(), api.AutomationConfig{
		Type:              api.AutomationCustom,
		MaxRetries:        5,
		RetryDelaySeconds: -1,
		RetryOnError:      &off,
	}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if got := h.calls.Load(); got != 1 {
		t.Fatalf("retry_on_error=false must make a single attempt, got %d", got)
	}
}

// slowHandler blocks until its context is cancelled.
type slowHandler struct {
	calls atomic.Int64
}

func (h *slowHandler) Type() api.AutomationType { return api.AutomationCustom }

func (h *slowHandler) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	h.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecuteTimeoutIsAlwaysRetried(t *testing.T) {
	store := persistence.NewInMemoryStore()
	pool := workerpool.New(4, 8)
	t.Cleanup(pool.Close)

	e := NewExecutor(Config{Pool: pool, Records: store})
	e.sup.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	h := &slowHandler{}
	e.Register(h)

	// Timeouts retry even with retry_on_error=false.
	off := false
	start := time.Now()
	result, err := e.Execute(context.Background(), api.AutomationConfig{
		Type:              api.AutomationCustom,
		TimeoutSeconds:    1,
		MaxRetries:        1,
		RetryDelaySeconds: -1,
		RetryOnError:      &off,
	}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Fatalf("expected two timed-out attempts, finished in %v", elapsed)
	}

	exec, err := store.GetAutomationExecution(result.ExecutionID)
	if err != nil {
		t.Fatalf("GetAutomationExecution failed: %v", err)
	}
	if exec.Status != api.ExecutionTimeout {
		t.Fatalf("expected timeout status, got %s", exec.Status)
	}
	if exec.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", exec.Attempts)
	}
}

func TestExecuteUnknownType(t *testing.T) {
	e := newTestExecutor(t, persistence.NewInMemoryStore())

	result, err := e.Execute(context.Background(), api.AutomationConfig{Type: "time_travel"}, nil)
	if err == nil {
		t.Fatal("unknown automation type must be rejected")
	}
	if result.Success {
		t.Fatal("result must not report success")
	}
}

func TestExecuteTemplateMerge(t *testing.T) {
	store := persistence.NewInMemoryStore()
	pool := workerpool.New(1, 2)
	t.Cleanup(pool.Close)

	e := NewExecutor(Config{
		Pool:    pool,
		Records: store,
		Templates: StaticTemplates{
			"slack": {"url": "https://hooks.internal/slack", "method": "POST"},
		},
	})
	e.sup.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	h := &flakyHandler{typ: api.AutomationCustom}
	e.Register(h)

	result, err := e.Execute(context.Background(), api.AutomationConfig{
		Type:       api.AutomationCustom,
		TemplateID: "slack",
		Params:     map[string]any{"method": "PUT"},
	}, nil)
	if err != nil || !result.Success {
		t.Fatalf("Execute failed: %v / %q", err, result.Error)
	}

	if h.lastCfg.ParamString("url") != "https://hooks.internal/slack" {
		t.Fatalf("template param missing: %v", h.lastCfg.Params)
	}
	if h.lastCfg.ParamString("method") != "PUT" {
		t.Fatal("config params must override template params")
	}
}

func TestExecuteMissingTemplate(t *testing.T) {
	e := newTestExecutor(t, persistence.NewInMemoryStore())
	e.Register(&flakyHandler{typ: api.AutomationCustom})

	_, err := e.Execute(context.Background(), api.AutomationConfig{
		Type:       api.AutomationCustom,
		TemplateID: "nope",
	}, nil)
	if err == nil {
		t.Fatal("missing template must be rejected")
	}
}

func TestExecuteCallerCancellationStopsRetries(t *testing.T) {
	store := persistence.NewInMemoryStore()
	e := newTestExecutor(t, store)

	h := &flakyHandler{typ: api.AutomationCustom, failures: 100}
	e.Register(h)

	ctx, cancel := context.WithCancel(context.Background())
	e.sup.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	result, err := e.Execute(ctx, api.AutomationConfig{
		Type:       api.AutomationCustom,
		MaxRetries: 50,
	}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Success {
		t.Fatal("cancelled execution must not succeed")
	}
	if got := h.calls.Load(); got > 2 {
		t.Fatalf("cancellation should stop the retry loop, got %d attempts", got)
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatal("sanity: context should be cancelled")
	}
}
