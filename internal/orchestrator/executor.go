package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ardenhq/flowengine/internal/data/repos/catalog"
	"github.com/ardenhq/flowengine/internal/data/repos/edges"
	"github.com/ardenhq/flowengine/internal/data/repos/steps"
	"github.com/ardenhq/flowengine/internal/data/repos/tasks"
	types "github.com/ardenhq/flowengine/internal/domain"
	flowerrors "github.com/ardenhq/flowengine/internal/errors"
	"github.com/ardenhq/flowengine/internal/platform/dbctx"
	"github.com/ardenhq/flowengine/internal/platform/logger"
	"github.com/ardenhq/flowengine/internal/runtime"
)

// Executor runs a viable batch of steps on a bounded worker pool. Each
// step is claimed by CAS, transitioned, dispatched to its handler, and its
// outcome written back in a single guarded release.
type Executor struct {
	db *gorm.DB

	tasks       tasks.Repo
	steps       steps.Repo
	edges       edges.Repo
	catalog     catalog.Repo
	stepMachine *StepStateMachine

	registry *runtime.Registry
	bus      *EventBus
	log      *logger.Logger

	poolSize int
}

func NewExecutor(
	db *gorm.DB,
	tasksRepo tasks.Repo,
	stepsRepo steps.Repo,
	edgesRepo edges.Repo,
	catalogRepo catalog.Repo,
	stepMachine *StepStateMachine,
	registry *runtime.Registry,
	bus *EventBus,
	baseLog *logger.Logger,
	poolSize int,
) *Executor {
	if poolSize <= 0 {
		poolSize = 5
	}
	return &Executor{
		db:          db,
		tasks:       tasksRepo,
		steps:       stepsRepo,
		edges:       edgesRepo,
		catalog:     catalogRepo,
		stepMachine: stepMachine,
		registry:    registry,
		bus:         bus,
		log:         baseLog.With("component", "Executor"),
		poolSize:    poolSize,
	}
}

// RunBatch executes every step in stepIDs, up to the Executor's configured
// concurrency, and returns once all of them have either completed, failed,
// or been abandoned to a concurrent claimant.
func (e *Executor) RunBatch(ctx context.Context, taskID uuid.UUID, stepIDs []uuid.UUID) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.poolSize)

	for _, stepID := range stepIDs {
		stepID := stepID
		group.Go(func() error {
			err := e.runOne(gctx, taskID, stepID)
			var conflict *flowerrors.ConcurrencyConflict
			if errors.As(err, &conflict) {
				e.log.Debug("step claim lost to another worker", "step_id", stepID)
				return nil
			}
			return err
		})
	}
	return group.Wait()
}

func (e *Executor) runOne(ctx context.Context, taskID, stepID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}

	claimed, err := e.steps.ClaimForExecution(dbc, stepID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker holds in_process; treat the step as claimed.
		return nil
	}

	if _, err := e.stepMachine.TransitionTo(ctx, stepID, types.StepStateInProgress, nil); err != nil {
		return err
	}

	step, err := e.steps.GetByID(dbc, stepID)
	if err != nil {
		return err
	}
	if step == nil {
		return nil
	}

	task, err := e.tasks.GetByID(ctx, nil, taskID)
	if err != nil {
		return err
	}

	parentResults, err := e.collectParentResults(ctx, step)
	if err != nil {
		return err
	}

	namespace, name, version, err := e.catalog.HandlerKeyFor(ctx, nil, task.NamedTaskID, step.NamedStepID)
	if err != nil {
		return err
	}
	handler, ok := e.registry.Get(runtime.Key{Namespace: namespace, Name: name, Version: version})
	if !ok {
		return e.recordFailure(ctx, taskID, step, nil, &flowerrors.HandlerError{
			Retryable: false,
			Err:       flowerrors.ErrNotFound,
		})
	}

	start := time.Now()
	rtCtx := runtime.NewContext(ctx, task, step, parentResults)
	result, runErr := handler.Run(rtCtx)
	duration := time.Since(start)

	if runErr != nil {
		return e.recordFailure(ctx, taskID, step, &duration, runErr)
	}
	return e.recordSuccess(ctx, taskID, step, result, duration)
}

func (e *Executor) collectParentResults(ctx context.Context, step *types.WorkflowStep) (map[string]datatypes.JSON, error) {
	parentEdges, err := e.edges.ListDependenciesOf(ctx, nil, step.ID)
	if err != nil {
		return nil, err
	}
	if len(parentEdges) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(parentEdges))
	for _, edge := range parentEdges {
		ids = append(ids, edge.FromStepID)
	}
	parents, err := e.steps.GetByIDs(dbctx.Context{Ctx: ctx}, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*types.WorkflowStep, len(parents))
	for _, p := range parents {
		byID[p.ID] = p
	}
	out := make(map[string]datatypes.JSON, len(parentEdges))
	for _, edge := range parentEdges {
		parent, ok := byID[edge.FromStepID]
		if !ok {
			continue
		}
		key := edge.Name
		if key == "" {
			key = edge.FromStepID.String()
		}
		out[key] = parent.Results
	}
	return out, nil
}

func encodeResult(result any) (datatypes.JSON, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func (e *Executor) recordSuccess(ctx context.Context, taskID uuid.UUID, step *types.WorkflowStep, result any, duration time.Duration) error {
	resultsJSON, err := encodeResult(result)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"results":      resultsJSON,
		"attempts":     gorm.Expr("COALESCE(attempts, 0) + 1"),
		"processed":    true,
		"processed_at": now,
	}
	if _, err := e.steps.ReleaseAfterExecution(dbctx.Context{Ctx: ctx}, step.ID, updates); err != nil {
		return err
	}
	if _, err := e.stepMachine.TransitionTo(ctx, step.ID, types.StepStateComplete, nil); err != nil {
		return err
	}
	e.bus.Publish(Event{
		Topic: TopicStepCompleted,
		Fields: map[string]any{
			"task_id":  taskID,
			"step_id":  step.ID,
			"duration": duration,
		},
	})
	return nil
}

func (e *Executor) recordFailure(ctx context.Context, taskID uuid.UUID, step *types.WorkflowStep, duration *time.Duration, cause error) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"attempts":          gorm.Expr("COALESCE(attempts, 0) + 1"),
		"last_attempted_at": now,
	}
	var handlerErr *flowerrors.HandlerError
	if errors.As(cause, &handlerErr) && handlerErr.BackoffRequestSeconds != nil {
		updates["backoff_request_seconds"] = *handlerErr.BackoffRequestSeconds
	}
	if _, err := e.steps.ReleaseAfterExecution(dbctx.Context{Ctx: ctx}, step.ID, updates); err != nil {
		return err
	}
	if _, err := e.stepMachine.TransitionTo(ctx, step.ID, types.StepStateError, nil); err != nil {
		return err
	}
	d := time.Duration(0)
	if duration != nil {
		d = *duration
	}
	e.bus.Publish(Event{
		Topic: TopicStepFailed,
		Fields: map[string]any{
			"task_id":  taskID,
			"step_id":  step.ID,
			"duration": d,
			"error":    cause,
		},
	})
	return nil
}
