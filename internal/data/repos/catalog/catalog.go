// Package catalog is the CRUD repo over the named-task/named-step template
// tables: NamedTask, NamedStep, DependentSystem, and the
// NamedTasksNamedSteps join that carries per-task-step defaults and the
// template's dependency edges. Submission's graph materializer and the
// Executor's handler-key resolution both read through this package.
package catalog

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/ardenhq/flowengine/internal/domain"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

type Repo interface {
	GetNamedTaskByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.NamedTask, error)
	GetNamedTaskByNNV(ctx context.Context, tx *gorm.DB, namespace, name, version string) (*types.NamedTask, error)

	GetNamedStepByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.NamedStep, error)
	GetDependentSystemByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.DependentSystem, error)

	ListBindingsForNamedTask(ctx context.Context, tx *gorm.DB, namedTaskID uuid.UUID) ([]*types.NamedTasksNamedSteps, error)

	// Template write surface: idempotent upserts used when a deployment
	// installs a named-task template at boot.
	EnsureTaskNamespace(ctx context.Context, tx *gorm.DB, name string) (*types.TaskNamespace, error)
	EnsureDependentSystem(ctx context.Context, tx *gorm.DB, name string) (*types.DependentSystem, error)
	EnsureNamedStep(ctx context.Context, tx *gorm.DB, dependentSystemID uuid.UUID, name string) (*types.NamedStep, error)
	EnsureNamedTask(ctx context.Context, tx *gorm.DB, row *types.NamedTask) (*types.NamedTask, error)
	CreateBinding(ctx context.Context, tx *gorm.DB, row *types.NamedTasksNamedSteps) (*types.NamedTasksNamedSteps, error)

	// HandlerKeyFor resolves the (namespace, name, version) triple a
	// registered Handler is looked up by for the step named_step_id within
	// the task template named_task_id: namespace is the step's
	// DependentSystem name, name is the NamedStep name, version is the
	// owning NamedTask's version.
	HandlerKeyFor(ctx context.Context, tx *gorm.DB, namedTaskID, namedStepID uuid.UUID) (namespace, name, version string, err error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "CatalogRepo")}
}

func (r *repo) GetNamedTaskByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.NamedTask, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	t := tx
	if t == nil {
		t = r.db
	}
	var row types.NamedTask
	if err := t.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) GetNamedTaskByNNV(ctx context.Context, tx *gorm.DB, namespace, name, version string) (*types.NamedTask, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var row types.NamedTask
	err := t.WithContext(ctx).
		Where("namespace = ? AND name = ? AND version = ?", namespace, name, version).
		Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) GetNamedStepByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.NamedStep, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	t := tx
	if t == nil {
		t = r.db
	}
	var row types.NamedStep
	if err := t.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) GetDependentSystemByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.DependentSystem, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	t := tx
	if t == nil {
		t = r.db
	}
	var row types.DependentSystem
	if err := t.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListBindingsForNamedTask(ctx context.Context, tx *gorm.DB, namedTaskID uuid.UUID) ([]*types.NamedTasksNamedSteps, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var out []*types.NamedTasksNamedSteps
	if err := t.WithContext(ctx).Where("named_task_id = ?", namedTaskID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) EnsureTaskNamespace(ctx context.Context, tx *gorm.DB, name string) (*types.TaskNamespace, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var row types.TaskNamespace
	if err := t.WithContext(ctx).Where(types.TaskNamespace{Name: name}).FirstOrCreate(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) EnsureDependentSystem(ctx context.Context, tx *gorm.DB, name string) (*types.DependentSystem, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var row types.DependentSystem
	if err := t.WithContext(ctx).Where(types.DependentSystem{Name: name}).FirstOrCreate(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) EnsureNamedStep(ctx context.Context, tx *gorm.DB, dependentSystemID uuid.UUID, name string) (*types.NamedStep, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var row types.NamedStep
	err := t.WithContext(ctx).
		Where(types.NamedStep{DependentSystemID: dependentSystemID, Name: name}).
		FirstOrCreate(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) EnsureNamedTask(ctx context.Context, tx *gorm.DB, row *types.NamedTask) (*types.NamedTask, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var existing types.NamedTask
	err := t.WithContext(ctx).
		Where(types.NamedTask{Namespace: row.Namespace, Name: row.Name, Version: row.Version}).
		Attrs(types.NamedTask{Configuration: row.Configuration}).
		FirstOrCreate(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *repo) CreateBinding(ctx context.Context, tx *gorm.DB, row *types.NamedTasksNamedSteps) (*types.NamedTasksNamedSteps, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	if err := t.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *repo) HandlerKeyFor(ctx context.Context, tx *gorm.DB, namedTaskID, namedStepID uuid.UUID) (string, string, string, error) {
	namedTask, err := r.GetNamedTaskByID(ctx, tx, namedTaskID)
	if err != nil {
		return "", "", "", err
	}
	namedStep, err := r.GetNamedStepByID(ctx, tx, namedStepID)
	if err != nil {
		return "", "", "", err
	}
	if namedTask == nil || namedStep == nil {
		return "", "", "", nil
	}
	depSystem, err := r.GetDependentSystemByID(ctx, tx, namedStep.DependentSystemID)
	if err != nil {
		return "", "", "", err
	}
	namespace := ""
	if depSystem != nil {
		namespace = depSystem.Name
	}
	return namespace, namedStep.Name, namedTask.Version, nil
}
