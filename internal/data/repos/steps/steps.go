// Package steps is the CRUD and claim repo over the workflow_steps table.
// ClaimForExecution is a guarded UPDATE whose RowsAffected is the only
// signal the caller trusts for "did I win the race," never a preceding
// SELECT.
package steps

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/ardenhq/flowengine/internal/domain"
	"github.com/ardenhq/flowengine/internal/platform/dbctx"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

type Repo interface {
	Create(dbc dbctx.Context, rows []*types.WorkflowStep) ([]*types.WorkflowStep, error)

	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.WorkflowStep, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.WorkflowStep, error)
	ListByTaskID(dbc dbctx.Context, taskID uuid.UUID) ([]*types.WorkflowStep, error)
	LockByID(dbc dbctx.Context, id uuid.UUID) (*types.WorkflowStep, error)

	// ClaimForExecution flips in_process false->true for one step, refusing
	// steps already processed so a stale dispatch list can never re-run a
	// finished step. The bool return is the only trustworthy signal of
	// success; a false return with a nil error means someone else already
	// holds (or finished) the step.
	ClaimForExecution(dbc dbctx.Context, id uuid.UUID) (bool, error)

	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error

	// ReleaseAfterExecution flips in_process true->false while writing the
	// Executor's outcome fields in the same guarded UPDATE, so a step can
	// never be observed processed=true while still in_process=true.
	ReleaseAfterExecution(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "StepsRepo")}
}

func (r *repo) Create(dbc dbctx.Context, rows []*types.WorkflowStep) ([]*types.WorkflowStep, error) {
	t := dbc.Tx
	if t == nil {
		t = r.db
	}
	if len(rows) == 0 {
		return []*types.WorkflowStep{}, nil
	}
	if err := t.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.WorkflowStep, error) {
	t := dbc.Tx
	if t == nil {
		t = r.db
	}
	var out []*types.WorkflowStep
	if len(ids) == 0 {
		return out, nil
	}
	if err := t.WithContext(dbc.Ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.WorkflowStep, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	rows, err := r.GetByIDs(dbc, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *repo) ListByTaskID(dbc dbctx.Context, taskID uuid.UUID) ([]*types.WorkflowStep, error) {
	t := dbc.Tx
	if t == nil {
		t = r.db
	}
	var out []*types.WorkflowStep
	if err := t.WithContext(dbc.Ctx).Where("task_id = ?", taskID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.WorkflowStep, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	t := dbc.Tx
	if t == nil {
		t = r.db
	}
	var row types.WorkflowStep
	err := t.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ClaimForExecution(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	t := dbc.Tx
	if t == nil {
		t = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now().UTC()
	res := t.WithContext(dbc.Ctx).
		Model(&types.WorkflowStep{}).
		Where("id = ? AND in_process = false AND processed = false", id).
		Updates(map[string]interface{}{
			"in_process": true,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	t := dbc.Tx
	if t == nil {
		t = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return t.WithContext(dbc.Ctx).
		Model(&types.WorkflowStep{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repo) ReleaseAfterExecution(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	t := dbc.Tx
	if t == nil {
		t = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["in_process"] = false
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := t.WithContext(dbc.Ctx).
		Model(&types.WorkflowStep{}).
		Where("id = ? AND in_process = true", id).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
