// Package annotations is the repo over the annotation tables: typed audit
// notes operators and automated processes attach to tasks, and the external
// object map recording what a dependent system created for a step.
package annotations

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/ardenhq/flowengine/internal/domain"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

type Repo interface {
	// EnsureType returns the annotation type named name, creating it if it
	// does not exist yet.
	EnsureType(ctx context.Context, tx *gorm.DB, name string) (*types.AnnotationType, error)

	Annotate(ctx context.Context, tx *gorm.DB, taskID, typeID uuid.UUID, value, createdBy string) (*types.TaskAnnotation, error)
	ListForTask(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) ([]*types.TaskAnnotation, error)

	RecordObjectMap(ctx context.Context, tx *gorm.DB, row *types.DependentSystemObjectMap) (*types.DependentSystemObjectMap, error)
	ListObjectMapsForStep(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) ([]*types.DependentSystemObjectMap, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "AnnotationsRepo")}
}

func (r *repo) EnsureType(ctx context.Context, tx *gorm.DB, name string) (*types.AnnotationType, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var row types.AnnotationType
	err := t.WithContext(ctx).
		Where(types.AnnotationType{Name: name}).
		FirstOrCreate(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) Annotate(ctx context.Context, tx *gorm.DB, taskID, typeID uuid.UUID, value, createdBy string) (*types.TaskAnnotation, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	row := &types.TaskAnnotation{
		TaskID:           taskID,
		AnnotationTypeID: typeID,
		Value:            value,
		CreatedBy:        createdBy,
	}
	if err := t.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *repo) ListForTask(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) ([]*types.TaskAnnotation, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var out []*types.TaskAnnotation
	err := t.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) RecordObjectMap(ctx context.Context, tx *gorm.DB, row *types.DependentSystemObjectMap) (*types.DependentSystemObjectMap, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	if err := t.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *repo) ListObjectMapsForStep(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) ([]*types.DependentSystemObjectMap, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var out []*types.DependentSystemObjectMap
	err := t.WithContext(ctx).
		Where("workflow_step_id = ?", stepID).
		Find(&out).Error
	return out, err
}
