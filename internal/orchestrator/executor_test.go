package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ardenhq/flowengine/internal/data/repos/catalog"
	types "github.com/ardenhq/flowengine/internal/domain"
	flowerrors "github.com/ardenhq/flowengine/internal/errors"
	"github.com/ardenhq/flowengine/internal/platform/dbctx"
	"github.com/ardenhq/flowengine/internal/runtime"
)

// memStore is a mutex-guarded in-memory stand-in for the workflow tables,
// shared by the repo fakes below so the Executor and Coordinator can be
// exercised end to end without a database.
type memStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*types.Task
	steps map[uuid.UUID]*types.WorkflowStep
	edges []*types.WorkflowStepEdge
}

func newMemStore() *memStore {
	return &memStore{
		tasks: map[uuid.UUID]*types.Task{},
		steps: map[uuid.UUID]*types.WorkflowStep{},
	}
}

func (s *memStore) addTask(task *types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
}

func (s *memStore) addStep(step *types.WorkflowStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.ID] = step
}

func (s *memStore) addEdge(taskID, from, to uuid.UUID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, &types.WorkflowStepEdge{
		ID: uuid.New(), TaskID: taskID, FromStepID: from, ToStepID: to, Name: name,
	})
}

func (s *memStore) stepCopy(id uuid.UUID) *types.WorkflowStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return nil
	}
	cp := *step
	return &cp
}

func (s *memStore) stepsOfTask(taskID uuid.UUID) []*types.WorkflowStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.WorkflowStep
	for _, step := range s.steps {
		if step.TaskID == taskID {
			cp := *step
			out = append(out, &cp)
		}
	}
	return out
}

// applyStepUpdates mirrors how the real repo's guarded UPDATE applies the
// Executor's outcome fields, including the COALESCE(attempts,0)+1 expression.
func applyStepUpdates(step *types.WorkflowStep, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "attempts":
			if _, isExpr := v.(clause.Expr); isExpr {
				n := 0
				if step.Attempts != nil {
					n = *step.Attempts
				}
				n++
				step.Attempts = &n
			} else if n, ok := v.(int); ok {
				step.Attempts = &n
			}
		case "results":
			if j, ok := v.(datatypes.JSON); ok {
				step.Results = j
			}
		case "processed":
			if b, ok := v.(bool); ok {
				step.Processed = b
			}
		case "processed_at":
			if tm, ok := v.(time.Time); ok {
				step.ProcessedAt = &tm
			}
		case "last_attempted_at":
			if tm, ok := v.(time.Time); ok {
				step.LastAttemptedAt = &tm
			}
		case "backoff_request_seconds":
			if n, ok := v.(int); ok {
				step.BackoffRequestSeconds = &n
			} else if v == nil {
				step.BackoffRequestSeconds = nil
			}
		case "in_process":
			if b, ok := v.(bool); ok {
				step.InProcess = b
			}
		case "retryable":
			if b, ok := v.(bool); ok {
				step.Retryable = &b
			}
		}
	}
}

type memStepsRepo struct{ store *memStore }

func (r *memStepsRepo) Create(dbc dbctx.Context, rows []*types.WorkflowStep) ([]*types.WorkflowStep, error) {
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		r.store.addStep(row)
	}
	return rows, nil
}

func (r *memStepsRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.WorkflowStep, error) {
	var out []*types.WorkflowStep
	for _, id := range ids {
		if cp := r.store.stepCopy(id); cp != nil {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (r *memStepsRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.WorkflowStep, error) {
	return r.store.stepCopy(id), nil
}

func (r *memStepsRepo) ListByTaskID(dbc dbctx.Context, taskID uuid.UUID) ([]*types.WorkflowStep, error) {
	return r.store.stepsOfTask(taskID), nil
}

func (r *memStepsRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.WorkflowStep, error) {
	return r.store.stepCopy(id), nil
}

func (r *memStepsRepo) ClaimForExecution(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	step, ok := r.store.steps[id]
	if !ok || step.InProcess || step.Processed {
		return false, nil
	}
	step.InProcess = true
	return true, nil
}

func (r *memStepsRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if step, ok := r.store.steps[id]; ok {
		applyStepUpdates(step, updates)
	}
	return nil
}

func (r *memStepsRepo) ReleaseAfterExecution(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	step, ok := r.store.steps[id]
	if !ok || !step.InProcess {
		return false, nil
	}
	applyStepUpdates(step, updates)
	step.InProcess = false
	return true, nil
}

type memTasksRepo struct{ store *memStore }

func (r *memTasksRepo) Create(ctx context.Context, tx *gorm.DB, row *types.Task) (*types.Task, error) {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	r.store.addTask(row)
	return row, nil
}

func (r *memTasksRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Task, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*types.Task
	for _, id := range ids {
		if task, ok := r.store.tasks[id]; ok {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memTasksRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Task, error) {
	rows, _ := r.GetByIDs(ctx, tx, []uuid.UUID{id})
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *memTasksRepo) GetByIdentityHash(ctx context.Context, tx *gorm.DB, hash string) (*types.Task, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, task := range r.store.tasks {
		if task.IdentityHash == hash {
			cp := *task
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memTasksRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	task, ok := r.store.tasks[id]
	if !ok {
		return nil
	}
	if v, ok := updates["complete"]; ok {
		if b, ok := v.(bool); ok {
			task.Complete = b
		}
	}
	if v, ok := updates["next_attempt_at"]; ok {
		if tm, ok := v.(time.Time); ok {
			task.NextAttemptAt = &tm
		}
	}
	return nil
}

func (r *memTasksRepo) ListIncomplete(ctx context.Context, tx *gorm.DB, limit int) ([]*types.Task, error) {
	return nil, nil
}

func (r *memTasksRepo) ListDue(ctx context.Context, tx *gorm.DB, limit int) ([]*types.Task, error) {
	return nil, nil
}

type memEdgesRepo struct{ store *memStore }

func (r *memEdgesRepo) Create(ctx context.Context, tx *gorm.DB, rows []*types.WorkflowStepEdge) ([]*types.WorkflowStepEdge, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.edges = append(r.store.edges, rows...)
	return rows, nil
}

func (r *memEdgesRepo) ListByTaskID(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) ([]*types.WorkflowStepEdge, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*types.WorkflowStepEdge
	for _, e := range r.store.edges {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memEdgesRepo) ListDependenciesOf(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) ([]*types.WorkflowStepEdge, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*types.WorkflowStepEdge
	for _, e := range r.store.edges {
		if e.ToStepID == stepID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memEdgesRepo) ListDependentsOf(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) ([]*types.WorkflowStepEdge, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*types.WorkflowStepEdge
	for _, e := range r.store.edges {
		if e.FromStepID == stepID {
			out = append(out, e)
		}
	}
	return out, nil
}

// memCatalogRepo resolves every step to a fixed-namespace handler key using
// the step-name map tests seed it with. The embedded interface leaves the
// template write surface unimplemented; nothing in these tests touches it.
type memCatalogRepo struct {
	catalog.Repo
	names   map[uuid.UUID]string
	version string
}

func (r *memCatalogRepo) GetNamedTaskByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.NamedTask, error) {
	return nil, nil
}

func (r *memCatalogRepo) GetNamedTaskByNNV(ctx context.Context, tx *gorm.DB, namespace, name, version string) (*types.NamedTask, error) {
	return nil, nil
}

func (r *memCatalogRepo) GetNamedStepByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.NamedStep, error) {
	return nil, nil
}

func (r *memCatalogRepo) GetDependentSystemByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.DependentSystem, error) {
	return nil, nil
}

func (r *memCatalogRepo) ListBindingsForNamedTask(ctx context.Context, tx *gorm.DB, namedTaskID uuid.UUID) ([]*types.NamedTasksNamedSteps, error) {
	return nil, nil
}

func (r *memCatalogRepo) HandlerKeyFor(ctx context.Context, tx *gorm.DB, namedTaskID, namedStepID uuid.UUID) (string, string, string, error) {
	return "testsys", r.names[namedStepID], r.version, nil
}

// memTransitions is a mutex-guarded transitions.Repo so concurrent Executor
// goroutines can write through the state machines without a data race.
type memTransitions struct {
	mu        sync.Mutex
	taskState map[uuid.UUID]string
	stepState map[uuid.UUID]string
}

func newMemTransitions() *memTransitions {
	return &memTransitions{taskState: map[uuid.UUID]string{}, stepState: map[uuid.UUID]string{}}
}

func (f *memTransitions) AppendTask(dbc dbctx.Context, taskID uuid.UUID, from, to string, metadata datatypes.JSON) (*types.TaskTransition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskState[taskID] = to
	return &types.TaskTransition{TaskID: taskID, FromState: from, ToState: to, Metadata: metadata, MostRecent: true}, nil
}

func (f *memTransitions) AppendStep(dbc dbctx.Context, stepID uuid.UUID, from, to string, metadata datatypes.JSON) (*types.WorkflowStepTransition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepState[stepID] = to
	return &types.WorkflowStepTransition{WorkflowStepID: stepID, FromState: from, ToState: to, Metadata: metadata, MostRecent: true}, nil
}

func (f *memTransitions) CurrentTaskState(dbc dbctx.Context, taskID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.taskState[taskID]; ok {
		return s, nil
	}
	return types.TaskStatePending, nil
}

func (f *memTransitions) CurrentStepState(dbc dbctx.Context, stepID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stepState[stepID]; ok {
		return s, nil
	}
	return types.StepStatePending, nil
}

func (f *memTransitions) ListTaskHistory(dbc dbctx.Context, taskID uuid.UUID) ([]*types.TaskTransition, error) {
	return nil, nil
}

func (f *memTransitions) ListStepHistory(dbc dbctx.Context, stepID uuid.UUID) ([]*types.WorkflowStepTransition, error) {
	return nil, nil
}

func (f *memTransitions) stepStateOf(stepID uuid.UUID) string {
	s, _ := f.CurrentStepState(dbctx.Context{}, stepID)
	return s
}

// stubHandler counts invocations and delegates to fn when set.
type stubHandler struct {
	typ  string
	runs int32
	fn   func(c *runtime.Context) (any, error)
}

func (h *stubHandler) Type() string { return h.typ }

func (h *stubHandler) CustomEventConfiguration() ([]runtime.EventDescriptor, error) {
	return nil, nil
}

func (h *stubHandler) Run(c *runtime.Context) (any, error) {
	atomic.AddInt32(&h.runs, 1)
	if h.fn != nil {
		return h.fn(c)
	}
	return map[string]any{"ok": true}, nil
}

func (h *stubHandler) runCount() int { return int(atomic.LoadInt32(&h.runs)) }

type execHarness struct {
	store    *memStore
	trans    *memTransitions
	stepsR   *memStepsRepo
	tasksR   *memTasksRepo
	edgesR   *memEdgesRepo
	catalogR *memCatalogRepo
	registry *runtime.Registry
	bus      *EventBus
	exec     *Executor

	taskID uuid.UUID
}

func newExecHarness(t *testing.T, poolSize int) *execHarness {
	t.Helper()
	store := newMemStore()
	h := &execHarness{
		store:    store,
		trans:    newMemTransitions(),
		stepsR:   &memStepsRepo{store: store},
		tasksR:   &memTasksRepo{store: store},
		edgesR:   &memEdgesRepo{store: store},
		catalogR: &memCatalogRepo{names: map[uuid.UUID]string{}, version: "1.0.0"},
		registry: runtime.NewRegistry(),
		bus:      NewEventBus(),
	}
	stepMachine := NewStepStateMachine(h.trans)
	h.exec = NewExecutor(nil, h.tasksR, h.stepsR, h.edgesR, h.catalogR, stepMachine, h.registry, h.bus, testLogger(t), poolSize)

	task := &types.Task{ID: uuid.New(), NamedTaskID: uuid.New()}
	store.addTask(task)
	h.taskID = task.ID
	return h
}

// addStep seeds one WorkflowStep bound to a handler key named after name.
func (h *execHarness) addStep(t *testing.T, name string, handler *stubHandler) uuid.UUID {
	t.Helper()
	namedStepID := uuid.New()
	h.catalogR.names[namedStepID] = name
	step := &types.WorkflowStep{ID: uuid.New(), TaskID: h.taskID, NamedStepID: namedStepID}
	h.store.addStep(step)
	if handler != nil {
		key := runtime.Key{Namespace: "testsys", Name: name, Version: "1.0.0"}
		if err := h.registry.Register(key, handler); err != nil {
			t.Fatalf("register handler: %v", err)
		}
	}
	return step.ID
}

func TestExecutor_SuccessPath(t *testing.T) {
	h := newExecHarness(t, 2)
	handler := &stubHandler{typ: "emit"}
	stepID := h.addStep(t, "emit", handler)

	var completedEvents int
	h.bus.Subscribe(TopicStepCompleted, func(e Event) { completedEvents++ })

	if err := h.exec.RunBatch(context.Background(), h.taskID, []uuid.UUID{stepID}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	step := h.store.stepCopy(stepID)
	if !step.Processed || step.ProcessedAt == nil {
		t.Fatalf("expected step processed, got %+v", step)
	}
	if step.InProcess {
		t.Fatal("expected in_process released after success")
	}
	if step.Attempts == nil || *step.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %v", step.Attempts)
	}
	if len(step.Results) == 0 {
		t.Fatal("expected handler result persisted to results")
	}
	if got := h.trans.stepStateOf(stepID); got != types.StepStateComplete {
		t.Fatalf("expected step state complete, got %s", got)
	}
	if handler.runCount() != 1 {
		t.Fatalf("expected handler run once, got %d", handler.runCount())
	}
	if completedEvents != 1 {
		t.Fatalf("expected one step.completed event, got %d", completedEvents)
	}
}

func TestExecutor_FailurePath_RecordsExplicitBackoff(t *testing.T) {
	h := newExecHarness(t, 1)
	backoff := 10
	handler := &stubHandler{typ: "flaky", fn: func(c *runtime.Context) (any, error) {
		return nil, &flowerrors.HandlerError{Retryable: true, BackoffRequestSeconds: &backoff, Err: flowerrors.ErrInvalidArgument}
	}}
	stepID := h.addStep(t, "flaky", handler)

	var failedEvents int
	h.bus.Subscribe(TopicStepFailed, func(e Event) { failedEvents++ })

	if err := h.exec.RunBatch(context.Background(), h.taskID, []uuid.UUID{stepID}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	step := h.store.stepCopy(stepID)
	if step.Processed {
		t.Fatal("failed step must not be processed")
	}
	if step.InProcess {
		t.Fatal("expected in_process released after failure")
	}
	if step.Attempts == nil || *step.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %v", step.Attempts)
	}
	if step.LastAttemptedAt == nil {
		t.Fatal("expected last_attempted_at stamped")
	}
	if step.BackoffRequestSeconds == nil || *step.BackoffRequestSeconds != backoff {
		t.Fatalf("expected backoff_request_seconds=%d, got %v", backoff, step.BackoffRequestSeconds)
	}
	if got := h.trans.stepStateOf(stepID); got != types.StepStateError {
		t.Fatalf("expected step state error, got %s", got)
	}
	if failedEvents != 1 {
		t.Fatalf("expected one step.failed event, got %d", failedEvents)
	}
}

func TestExecutor_ClaimLoser_NoSideEffects(t *testing.T) {
	h := newExecHarness(t, 1)
	handler := &stubHandler{typ: "emit"}
	stepID := h.addStep(t, "emit", handler)
	h.store.mu.Lock()
	h.store.steps[stepID].InProcess = true
	h.store.mu.Unlock()

	if err := h.exec.RunBatch(context.Background(), h.taskID, []uuid.UUID{stepID}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if handler.runCount() != 0 {
		t.Fatalf("claim loser must not invoke the handler, got %d runs", handler.runCount())
	}
	if got := h.trans.stepStateOf(stepID); got != types.StepStatePending {
		t.Fatalf("claim loser must not write a transition, got state %s", got)
	}
}

func TestExecutor_MissingHandler_RecordsPermanentFailure(t *testing.T) {
	h := newExecHarness(t, 1)
	stepID := h.addStep(t, "unbound", nil) // nothing registered under this key

	if err := h.exec.RunBatch(context.Background(), h.taskID, []uuid.UUID{stepID}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	step := h.store.stepCopy(stepID)
	if step.Attempts == nil || *step.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %v", step.Attempts)
	}
	if got := h.trans.stepStateOf(stepID); got != types.StepStateError {
		t.Fatalf("expected step state error, got %s", got)
	}
}

func TestExecutor_ParentResultsReachTheHandler(t *testing.T) {
	h := newExecHarness(t, 1)
	rootHandler := &stubHandler{typ: "root"}
	rootID := h.addStep(t, "root", rootHandler)

	var seen datatypes.JSON
	joinHandler := &stubHandler{typ: "join", fn: func(c *runtime.Context) (any, error) {
		seen, _ = c.ParentResult("root_output")
		return "done", nil
	}}
	joinID := h.addStep(t, "join", joinHandler)
	h.store.addEdge(h.taskID, rootID, joinID, "root_output")

	// Simulate the root having already run to completion.
	h.store.mu.Lock()
	h.store.steps[rootID].Processed = true
	h.store.steps[rootID].Results = datatypes.JSON(`{"value":42}`)
	h.store.mu.Unlock()

	if err := h.exec.RunBatch(context.Background(), h.taskID, []uuid.UUID{joinID}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if string(seen) != `{"value":42}` {
		t.Fatalf("expected parent result passed through by edge name, got %q", seen)
	}
}

// Fifty workers race to run the same single ready step; exactly one handler
// invocation and one attempt must land.
func TestExecutor_ConcurrentClaim_ExactlyOneWinner(t *testing.T) {
	h := newExecHarness(t, 8)
	handler := &stubHandler{typ: "contended"}
	stepID := h.addStep(t, "contended", handler)

	batch := make([]uuid.UUID, 50)
	for i := range batch {
		batch[i] = stepID
	}
	if err := h.exec.RunBatch(context.Background(), h.taskID, batch); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if handler.runCount() != 1 {
		t.Fatalf("expected exactly one handler invocation, got %d", handler.runCount())
	}
	step := h.store.stepCopy(stepID)
	if step.Attempts == nil || *step.Attempts != 1 {
		t.Fatalf("expected attempts=1 after the dust settled, got %v", step.Attempts)
	}
	if got := h.trans.stepStateOf(stepID); got != types.StepStateComplete {
		t.Fatalf("expected step state complete, got %s", got)
	}
}
