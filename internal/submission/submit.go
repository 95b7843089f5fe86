package submission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ardenhq/flowengine/internal/data/repos/catalog"
	"github.com/ardenhq/flowengine/internal/data/repos/edges"
	"github.com/ardenhq/flowengine/internal/data/repos/steps"
	"github.com/ardenhq/flowengine/internal/data/repos/tasks"
	"github.com/ardenhq/flowengine/internal/data/repos/transitions"
	types "github.com/ardenhq/flowengine/internal/domain"
	flowerrors "github.com/ardenhq/flowengine/internal/errors"
	"github.com/ardenhq/flowengine/internal/platform/dbctx"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

// SubmitTaskInput is the external HTTP/API layer's call shape into
// SubmitTask. Validation of Context against the named task's
// schema is the caller's/handler's responsibility; the core only enforces
// that a validation failure leaves no rows persisted.
type SubmitTaskInput struct {
	Namespace    string
	Name         string
	Version      string
	Context      datatypes.JSON
	Initiator    string
	SourceSystem string
	Reason       string
	Tags         datatypes.JSON
	BypassSteps  datatypes.JSON
}

// Enqueuer is the narrow handoff submission needs after a task is
// materialized: kick off (or schedule) its first ProcessTask tick. The
// Coordinator satisfies this directly; callers may also hand in a
// Reenqueuer.Schedule-backed adapter to defer the first tick.
type Enqueuer interface {
	ProcessTask(ctx context.Context, taskID uuid.UUID) error
}

// Submitter implements task submission. It is the one place the
// core writes the very first transition row and step/edge rows for a task,
// all inside a single database transaction so a half-materialized DAG is
// never observable.
type Submitter struct {
	db *gorm.DB

	tasks       tasks.Repo
	steps       steps.Repo
	edges       edges.Repo
	catalog     catalog.Repo
	transitions transitions.Repo

	hasher         IdentityHasher
	identityFields []string

	enqueue Enqueuer
	log     *logger.Logger
}

func NewSubmitter(
	db *gorm.DB,
	tasksRepo tasks.Repo,
	stepsRepo steps.Repo,
	edgesRepo edges.Repo,
	catalogRepo catalog.Repo,
	transitionsRepo transitions.Repo,
	hasher IdentityHasher,
	identityFields []string,
	enqueue Enqueuer,
	baseLog *logger.Logger,
) *Submitter {
	return &Submitter{
		db:             db,
		tasks:          tasksRepo,
		steps:          stepsRepo,
		edges:          edgesRepo,
		catalog:        catalogRepo,
		transitions:    transitionsRepo,
		hasher:         hasher,
		identityFields: identityFields,
		enqueue:        enqueue,
		log:            baseLog.With("component", "Submitter"),
	}
}

// SubmitTask computes the identity hash, dedupes against any non-terminal
// task already carrying it, and otherwise materializes a new Task + its
// WorkflowStep/WorkflowStepEdge graph from the (namespace, name, version)
// template in one transaction, then hands the new task to the Coordinator.
func (s *Submitter) SubmitTask(ctx context.Context, in SubmitTaskInput) (uuid.UUID, error) {
	if in.Namespace == "" || in.Name == "" || in.Version == "" {
		return uuid.Nil, &flowerrors.ValidationError{Message: "namespace, name, and version are required"}
	}

	hash, err := s.hasher.Hash(IdentityInput{
		Namespace:    in.Namespace,
		Name:         in.Name,
		Version:      in.Version,
		Context:      in.Context,
		Initiator:    in.Initiator,
		SourceSystem: in.SourceSystem,
		Reason:       in.Reason,
		Tags:         in.Tags,
		Fields:       s.identityFields,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("submission: compute identity hash: %w", err)
	}

	if existing, err := s.tasks.GetByIdentityHash(ctx, nil, hash); err != nil {
		return uuid.Nil, err
	} else if existing != nil {
		state, err := s.transitions.CurrentTaskState(dbctx.Context{Ctx: ctx}, existing.ID)
		if err != nil {
			return uuid.Nil, err
		}
		if state != types.TaskStateComplete && state != types.TaskStateCancelled {
			return existing.ID, nil
		}
	}

	namedTask, err := s.catalog.GetNamedTaskByNNV(ctx, nil, in.Namespace, in.Name, in.Version)
	if err != nil {
		return uuid.Nil, err
	}
	if namedTask == nil {
		return uuid.Nil, &flowerrors.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("no named task registered for %s/%s/%s", in.Namespace, in.Name, in.Version),
		}
	}

	bindings, err := s.catalog.ListBindingsForNamedTask(ctx, nil, namedTask.ID)
	if err != nil {
		return uuid.Nil, err
	}
	if len(bindings) == 0 {
		return uuid.Nil, &flowerrors.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("named task %s/%s/%s has no step bindings", in.Namespace, in.Name, in.Version),
		}
	}

	var taskID uuid.UUID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task := &types.Task{
			NamedTaskID:  namedTask.ID,
			Context:      in.Context,
			IdentityHash: hash,
			Tags:         in.Tags,
			Initiator:    in.Initiator,
			SourceSystem: in.SourceSystem,
			Reason:       in.Reason,
			BypassSteps:  in.BypassSteps,
		}
		if _, err := s.tasks.Create(ctx, tx, task); err != nil {
			return err
		}
		taskID = task.ID

		stepRows := make([]*types.WorkflowStep, 0, len(bindings))
		stepIDByNamedStep := make(map[uuid.UUID]uuid.UUID, len(bindings))
		for _, b := range bindings {
			retryLimit := b.DefaultRetryLimit
			retryable := b.DefaultRetryable
			step := &types.WorkflowStep{
				TaskID:      taskID,
				NamedStepID: b.NamedStepID,
				Retryable:   &retryable,
				RetryLimit:  retryLimit,
				Skippable:   b.Skippable,
			}
			stepRows = append(stepRows, step)
		}
		if _, err := s.steps.Create(dbctx.Context{Ctx: ctx, Tx: tx}, stepRows); err != nil {
			return err
		}
		for i, b := range bindings {
			stepIDByNamedStep[b.NamedStepID] = stepRows[i].ID
		}

		edgeRows := make([]*types.WorkflowStepEdge, 0)
		for _, b := range bindings {
			toID, ok := stepIDByNamedStep[b.NamedStepID]
			if !ok {
				continue
			}
			for _, depNamedStepID := range b.DependsOnNamedStepIDs {
				fromID, ok := stepIDByNamedStep[depNamedStepID]
				if !ok {
					continue // dependency outside this template's binding set; ignore
				}
				edgeRows = append(edgeRows, &types.WorkflowStepEdge{
					TaskID:     taskID,
					FromStepID: fromID,
					ToStepID:   toID,
				})
			}
		}
		if len(edgeRows) > 0 {
			if _, err := s.edges.Create(ctx, tx, edgeRows); err != nil {
				return err
			}
		}

		if _, err := s.transitions.AppendTask(dbctx.Context{Ctx: ctx, Tx: tx}, taskID, "", types.TaskStatePending, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	if s.enqueue != nil {
		if err := s.enqueue.ProcessTask(ctx, taskID); err != nil {
			s.log.Warn("initial ProcessTask dispatch failed; worker poll loop will pick it up", "task_id", taskID, "error", err)
		}
	}
	return taskID, nil
}
