package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ardenhq/flowengine/internal/data/repos/readiness"
	types "github.com/ardenhq/flowengine/internal/domain"
	flowerrors "github.com/ardenhq/flowengine/internal/errors"
	"github.com/ardenhq/flowengine/internal/platform/dbctx"
	"github.com/ardenhq/flowengine/internal/runtime"
)

// storeOracle computes readiness rows from the in-memory store state, with
// backoff windows treated as already elapsed so a tick-driven test never has
// to sleep through a real wait.
type storeOracle struct {
	store *memStore
	trans *memTransitions
}

func (o *storeOracle) ReadinessFor(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, stepIDs []uuid.UUID) ([]readiness.StepRow, error) {
	steps := o.store.stepsOfTask(taskID)
	o.store.mu.Lock()
	edges := make([]*types.WorkflowStepEdge, len(o.store.edges))
	copy(edges, o.store.edges)
	o.store.mu.Unlock()

	var rows []readiness.StepRow
	for _, step := range steps {
		if step.Processed {
			continue
		}
		state, _ := o.trans.CurrentStepState(dbctx.Context{}, step.ID)

		total, completed := 0, 0
		for _, e := range edges {
			if e.ToStepID != step.ID {
				continue
			}
			total++
			parentState, _ := o.trans.CurrentStepState(dbctx.Context{}, e.FromStepID)
			if parentState == types.StepStateComplete || parentState == types.StepStateResolvedManually {
				completed++
			}
		}

		attempts := 0
		if step.Attempts != nil {
			attempts = *step.Attempts
		}
		retryLimit := 3
		if step.RetryLimit != nil {
			retryLimit = *step.RetryLimit
		}
		retryable := true
		if step.Retryable != nil {
			retryable = *step.Retryable
		}

		depsSatisfied := total == 0 || completed >= total
		eligible := attempts < retryLimit && (attempts == 0 || retryable)
		ready := (state == types.StepStatePending || state == types.StepStateError) &&
			!step.InProcess && depsSatisfied && eligible

		rows = append(rows, readiness.StepRow{
			WorkflowStepID:        step.ID,
			TaskID:                taskID,
			CurrentState:          state,
			DependenciesSatisfied: depsSatisfied,
			RetryEligible:         eligible,
			ReadyForExecution:     ready,
			TotalParents:          total,
			CompletedParents:      completed,
			Attempts:              attempts,
			RetryLimit:            retryLimit,
			Retryable:             retryable,
		})
	}
	return rows, nil
}

func (o *storeOracle) ReadinessForTasks(ctx context.Context, tx *gorm.DB, taskIDs []uuid.UUID) (map[uuid.UUID][]readiness.StepRow, error) {
	out := make(map[uuid.UUID][]readiness.StepRow, len(taskIDs))
	for _, id := range taskIDs {
		rows, err := o.ReadinessFor(ctx, tx, id, nil)
		if err != nil {
			return nil, err
		}
		out[id] = rows
	}
	return out, nil
}

// storeAggregator rolls the storeOracle's rows up through the real Rollup.
type storeAggregator struct {
	oracle *storeOracle
}

func (a *storeAggregator) Aggregate(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) (*readiness.ExecutionContext, error) {
	rows, err := a.oracle.ReadinessFor(ctx, tx, taskID, nil)
	if err != nil {
		return nil, err
	}
	return readiness.Rollup(taskID, a.oracle.store.stepsOfTask(taskID), rows), nil
}

func (a *storeAggregator) AggregateForTasks(ctx context.Context, tx *gorm.DB, taskIDs []uuid.UUID) (map[uuid.UUID]*readiness.ExecutionContext, error) {
	out := make(map[uuid.UUID]*readiness.ExecutionContext, len(taskIDs))
	for _, id := range taskIDs {
		ec, err := a.Aggregate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out[id] = ec
	}
	return out, nil
}

type coordHarness struct {
	*execHarness
	coordinator *Coordinator
	reenqueuer  *fakeReenqueuer
}

func newCoordHarness(t *testing.T) *coordHarness {
	t.Helper()
	eh := newExecHarness(t, 4)
	oracle := &storeOracle{store: eh.store, trans: eh.trans}
	aggregator := &storeAggregator{oracle: oracle}
	taskMachine := NewTaskStateMachine(eh.trans)
	discovery := NewDiscovery(oracle, eh.bus)
	reenq := &fakeReenqueuer{}
	finalizer := NewFinalizer(aggregator, taskMachine, eh.tasksR, reenq, eh.bus, testLogger(t), 0, 0)
	coordinator := NewCoordinator(taskMachine, discovery, eh.exec, finalizer, eh.bus, testLogger(t), 25)
	return &coordHarness{execHarness: eh, coordinator: coordinator, reenqueuer: reenq}
}

// Linear A -> B -> C chain: one ProcessTask call must walk the whole DAG in
// dependency order and finalize the task complete.
func TestCoordinator_LinearThreeStepHappyPath(t *testing.T) {
	h := newCoordHarness(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(c *runtime.Context) (any, error) {
		return func(c *runtime.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name + " done", nil
		}
	}
	a := h.addStep(t, "extract", &stubHandler{typ: "extract", fn: record("extract")})
	b := h.addStep(t, "transform", &stubHandler{typ: "transform", fn: record("transform")})
	c := h.addStep(t, "load", &stubHandler{typ: "load", fn: record("load")})
	h.store.addEdge(h.taskID, a, b, "extracted")
	h.store.addEdge(h.taskID, b, c, "transformed")

	var stepCompleted, taskCompleted int
	h.bus.Subscribe(TopicStepCompleted, func(e Event) { stepCompleted++ })
	h.bus.Subscribe(TopicTaskCompleted, func(e Event) { taskCompleted++ })

	if err := h.coordinator.ProcessTask(context.Background(), h.taskID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if len(order) != 3 || order[0] != "extract" || order[1] != "transform" || order[2] != "load" {
		t.Fatalf("expected dependency-ordered execution, got %v", order)
	}
	if state, _ := h.trans.CurrentTaskState(dbctx.Context{}, h.taskID); state != types.TaskStateComplete {
		t.Fatalf("expected task complete, got %s", state)
	}
	h.store.mu.Lock()
	complete := h.store.tasks[h.taskID].Complete
	h.store.mu.Unlock()
	if !complete {
		t.Fatal("expected tasks.complete mirror set true")
	}
	if stepCompleted != 3 || taskCompleted != 1 {
		t.Fatalf("expected 3 step.completed and 1 task.completed, got %d/%d", stepCompleted, taskCompleted)
	}

	agg := &storeAggregator{oracle: &storeOracle{store: h.store, trans: h.trans}}
	ec, err := agg.Aggregate(context.Background(), nil, h.taskID)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if ec.Total != 3 || ec.Completed != 3 || ec.Ready != 0 {
		t.Fatalf("expected total=3 completed=3 ready=0, got %+v", ec)
	}
	if ec.ExecutionStatus != readiness.StatusAllComplete {
		t.Fatalf("expected all_complete, got %s", ec.ExecutionStatus)
	}
	if ec.CompletionPercentage != 100.00 {
		t.Fatalf("expected 100.00%%, got %v", ec.CompletionPercentage)
	}
}

// A step that fails once and then succeeds must be retried inside the same
// tick (the harness oracle treats its backoff window as elapsed) and still
// finish the task.
func TestCoordinator_RetryAfterTransientFailure(t *testing.T) {
	h := newCoordHarness(t)

	calls := 0
	handler := &stubHandler{typ: "flaky", fn: func(c *runtime.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, &flowerrors.HandlerError{Retryable: true, Err: flowerrors.ErrInvalidArgument}
		}
		return "recovered", nil
	}}
	stepID := h.addStep(t, "flaky", handler)

	if err := h.coordinator.ProcessTask(context.Background(), h.taskID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected two handler invocations (fail then recover), got %d", calls)
	}
	step := h.store.stepCopy(stepID)
	if step.Attempts == nil || *step.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %v", step.Attempts)
	}
	if state, _ := h.trans.CurrentTaskState(dbctx.Context{}, h.taskID); state != types.TaskStateComplete {
		t.Fatalf("expected task complete after recovery, got %s", state)
	}
}

// A step that exhausts its retry limit permanently blocks the task: the
// Finalizer must transition it to error and publish task.failed.
func TestCoordinator_PermanentFailureMovesTaskToError(t *testing.T) {
	h := newCoordHarness(t)

	handler := &stubHandler{typ: "doomed", fn: func(c *runtime.Context) (any, error) {
		return nil, &flowerrors.HandlerError{Retryable: true, Err: flowerrors.ErrInvalidArgument}
	}}
	stepID := h.addStep(t, "doomed", handler)
	limit := 1
	h.store.mu.Lock()
	h.store.steps[stepID].RetryLimit = &limit
	h.store.mu.Unlock()

	var taskFailed int
	h.bus.Subscribe(TopicTaskFailed, func(e Event) { taskFailed++ })

	if err := h.coordinator.ProcessTask(context.Background(), h.taskID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if handler.runCount() != 1 {
		t.Fatalf("expected one attempt before the limit, got %d", handler.runCount())
	}
	if state, _ := h.trans.CurrentTaskState(dbctx.Context{}, h.taskID); state != types.TaskStateError {
		t.Fatalf("expected task error, got %s", state)
	}
	if taskFailed != 1 {
		t.Fatalf("expected one task.failed event, got %d", taskFailed)
	}
}

func TestCoordinator_TerminalTaskIsANoOp(t *testing.T) {
	h := newCoordHarness(t)
	handler := &stubHandler{typ: "emit"}
	h.addStep(t, "emit", handler)
	h.trans.taskState[h.taskID] = types.TaskStateComplete

	if err := h.coordinator.ProcessTask(context.Background(), h.taskID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if handler.runCount() != 0 {
		t.Fatalf("terminal task must not dispatch steps, got %d runs", handler.runCount())
	}
}

// Diamond root -> {left, right} -> join: both middle steps become ready in
// the same discovery round and the join only runs after both complete.
func TestCoordinator_DiamondRunsJoinLast(t *testing.T) {
	h := newCoordHarness(t)

	var mu sync.Mutex
	var order []string
	mk := func(name string) *stubHandler {
		return &stubHandler{typ: name, fn: func(c *runtime.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}}
	}
	root := h.addStep(t, "root", mk("root"))
	left := h.addStep(t, "left", mk("left"))
	right := h.addStep(t, "right", mk("right"))
	join := h.addStep(t, "join", mk("join"))
	h.store.addEdge(h.taskID, root, left, "")
	h.store.addEdge(h.taskID, root, right, "")
	h.store.addEdge(h.taskID, left, join, "")
	h.store.addEdge(h.taskID, right, join, "")

	if err := h.coordinator.ProcessTask(context.Background(), h.taskID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if len(order) != 4 {
		t.Fatalf("expected all four steps to run, got %v", order)
	}
	if order[0] != "root" || order[3] != "join" {
		t.Fatalf("expected root first and join last, got %v", order)
	}
	if state, _ := h.trans.CurrentTaskState(dbctx.Context{}, h.taskID); state != types.TaskStateComplete {
		t.Fatalf("expected task complete, got %s", state)
	}
}

// An errored task stays parked: the worker tier never moves error back to
// in_progress on its own, so re-ticking a permanently-failed task appends
// no transitions and re-emits no events.
func TestCoordinator_ErroredTaskStaysParked(t *testing.T) {
	h := newCoordHarness(t)
	handler := &stubHandler{typ: "doomed", fn: func(c *runtime.Context) (any, error) {
		return nil, &flowerrors.HandlerError{Retryable: true, Err: flowerrors.ErrInvalidArgument}
	}}
	stepID := h.addStep(t, "doomed", handler)
	limit := 1
	h.store.mu.Lock()
	h.store.steps[stepID].RetryLimit = &limit
	h.store.mu.Unlock()

	var taskFailed int
	h.bus.Subscribe(TopicTaskFailed, func(e Event) { taskFailed++ })

	if err := h.coordinator.ProcessTask(context.Background(), h.taskID); err != nil {
		t.Fatalf("first ProcessTask: %v", err)
	}
	if state, _ := h.trans.CurrentTaskState(dbctx.Context{}, h.taskID); state != types.TaskStateError {
		t.Fatalf("expected task error after the limit, got %s", state)
	}

	// Re-ticking the dead task must be a no-op.
	for i := 0; i < 3; i++ {
		if err := h.coordinator.ProcessTask(context.Background(), h.taskID); err != nil {
			t.Fatalf("re-tick %d: %v", i, err)
		}
	}
	if handler.runCount() != 1 {
		t.Fatalf("parked task must not re-dispatch steps, got %d runs", handler.runCount())
	}
	if taskFailed != 1 {
		t.Fatalf("expected exactly one task.failed event, got %d", taskFailed)
	}
	if state, _ := h.trans.CurrentTaskState(dbctx.Context{}, h.taskID); state != types.TaskStateError {
		t.Fatalf("expected task still parked in error, got %s", state)
	}
}
