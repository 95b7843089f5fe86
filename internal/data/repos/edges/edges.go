// Package edges is the CRUD repo over the workflow_step_edges table: the
// materialized DAG the readiness query's dependency join walks.
package edges

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/ardenhq/flowengine/internal/domain"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

type Repo interface {
	Create(ctx context.Context, tx *gorm.DB, rows []*types.WorkflowStepEdge) ([]*types.WorkflowStepEdge, error)

	ListByTaskID(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) ([]*types.WorkflowStepEdge, error)
	ListDependenciesOf(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) ([]*types.WorkflowStepEdge, error)
	ListDependentsOf(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) ([]*types.WorkflowStepEdge, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "EdgesRepo")}
}

func (r *repo) Create(ctx context.Context, tx *gorm.DB, rows []*types.WorkflowStepEdge) ([]*types.WorkflowStepEdge, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	if len(rows) == 0 {
		return []*types.WorkflowStepEdge{}, nil
	}
	if err := t.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListByTaskID(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) ([]*types.WorkflowStepEdge, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var out []*types.WorkflowStepEdge
	if err := t.WithContext(ctx).Where("task_id = ?", taskID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListDependenciesOf returns the edges that point into stepID: the steps
// stepID must wait on.
func (r *repo) ListDependenciesOf(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) ([]*types.WorkflowStepEdge, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var out []*types.WorkflowStepEdge
	if err := t.WithContext(ctx).Where("to_step_id = ?", stepID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListDependentsOf returns the edges that originate at stepID: the steps
// waiting on stepID.
func (r *repo) ListDependentsOf(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) ([]*types.WorkflowStepEdge, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var out []*types.WorkflowStepEdge
	if err := t.WithContext(ctx).Where("from_step_id = ?", stepID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
