package persistence

import (
	"sort"
	"sync"
	"time"

	"github.com/aviisi/virta/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of every store
// interface, backed by maps. Intended for tests and single-process
// deployments that do not need durability.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]api.WorkflowDefinition
	instances   map[string]*api.WorkflowInstance
	tasks       map[string]*api.Task
	stepRecords []*api.StepExecutionRecord
	executions  map[string]*api.AutomationExecution
	policies    map[string]api.SLAPolicy // keyed by workflow id
	breaches    map[string]*api.SLABreach
	timers      map[string]*Timer
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]api.WorkflowDefinition),
		instances:   make(map[string]*api.WorkflowInstance),
		tasks:       make(map[string]*api.Task),
		executions:  make(map[string]*api.AutomationExecution),
		policies:    make(map[string]api.SLAPolicy),
		breaches:    make(map[string]*api.SLABreach),
		timers:      make(map[string]*Timer),
	}
}

// Bundle returns a Persistence with every store backed by s.
func (s *InMemoryStore) Bundle() Persistence {
	return Persistence{
		Definitions: s,
		Instances:   s,
		Tasks:       s,
		Records:     s,
		SLA:         s,
		Timers:      s,
	}
}

var (
	_ DefinitionStore = (*InMemoryStore)(nil)
	_ InstanceStore   = (*InMemoryStore)(nil)
	_ TaskStore       = (*InMemoryStore)(nil)
	_ RecordStore     = (*InMemoryStore)(nil)
	_ SLAStore        = (*InMemoryStore)(nil)
	_ TimerStore      = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveDefinition(def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.definitions[def.ID] = def
	return nil
}

func (s *InMemoryStore) GetDefinition(id string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return api.WorkflowDefinition{}, api.ErrDefinitionNotFound
	}
	return def, nil
}

func (s *InMemoryStore) SaveInstance(inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateInstance(inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return api.ErrInstanceNotFound
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if filter.WorkflowID != "" && inst.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.TenantID != "" && inst.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) CreateTask(t *api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateTask(t *api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; !ok {
		return api.ErrTaskNotFound
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetTask(id string) (*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, api.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryStore) ListTasksByInstance(instanceID string) ([]*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Task
	for _, t := range s.tasks {
		if t.InstanceID == instanceID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) ListOverdueTasks(now time.Time) ([]*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Task
	for _, t := range s.tasks {
		if t.Status == api.TaskPending && t.DueDate != nil && t.DueDate.Before(now) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) AppendStepExecution(rec *api.StepExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.stepRecords = append(s.stepRecords, &cp)
	return nil
}

func (s *InMemoryStore) ListStepExecutions(instanceID string) ([]*api.StepExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.StepExecutionRecord
	for _, rec := range s.stepRecords {
		if rec.InstanceID == instanceID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *InMemoryStore) RecordAutomationExecution(exec *api.AutomationExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetAutomationExecution(id string) (*api.AutomationExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, api.NewWorkflowError("", "automation execution not found: %s", id)
	}
	cp := *exec
	return &cp, nil
}

func (s *InMemoryStore) SavePolicy(p api.SLAPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies[p.WorkflowID] = p
	return nil
}

func (s *InMemoryStore) PolicyForWorkflow(workflowID string) (api.SLAPolicy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[workflowID]
	return p, ok, nil
}

func (s *InMemoryStore) CreateBreach(b *api.SLABreach) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *b
	s.breaches[b.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateBreach(b *api.SLABreach) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.breaches[b.ID]; !ok {
		return api.NewWorkflowError("", "sla breach not found: %s", b.ID)
	}
	cp := *b
	s.breaches[b.ID] = &cp
	return nil
}

func (s *InMemoryStore) OpenBreachForTask(taskID string) (*api.SLABreach, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.breaches {
		if b.TaskID == taskID && b.Open() {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListOpenBreaches() ([]*api.SLABreach, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.SLABreach
	for _, b := range s.breaches {
		if b.Open() {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].BreachTime.Before(result[j].BreachTime)
	})
	return result, nil
}

func (s *InMemoryStore) SaveTimer(t *Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.timers[t.ID] = &cp
	return nil
}

func (s *InMemoryStore) DueTimers(now time.Time) ([]*Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Timer
	for _, t := range s.timers {
		if !t.WakeAt.After(now) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].WakeAt.Before(result[j].WakeAt)
	})
	return result, nil
}

func (s *InMemoryStore) DeleteTimer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, id)
	return nil
}
