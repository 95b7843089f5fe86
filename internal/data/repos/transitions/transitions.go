// Package transitions implements the transition log: the append-only
// history with a per-entity most_recent flag that every reader of "current
// state" consults. Every append is a single-transaction
// read-then-guarded-write, with the unique partial index (see
// internal/data/db) as the cross-process arbiter.
package transitions

import (
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/ardenhq/flowengine/internal/domain"
	flowerrors "github.com/ardenhq/flowengine/internal/errors"
	"github.com/ardenhq/flowengine/internal/platform/dbctx"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

type Repo interface {
	AppendTask(dbc dbctx.Context, taskID uuid.UUID, from, to string, metadata datatypes.JSON) (*types.TaskTransition, error)
	AppendStep(dbc dbctx.Context, stepID uuid.UUID, from, to string, metadata datatypes.JSON) (*types.WorkflowStepTransition, error)

	CurrentTaskState(dbc dbctx.Context, taskID uuid.UUID) (string, error)
	CurrentStepState(dbc dbctx.Context, stepID uuid.UUID) (string, error)

	ListTaskHistory(dbc dbctx.Context, taskID uuid.UUID) ([]*types.TaskTransition, error)
	ListStepHistory(dbc dbctx.Context, stepID uuid.UUID) ([]*types.WorkflowStepTransition, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "TransitionsRepo")}
}

func (r *repo) AppendTask(dbc dbctx.Context, taskID uuid.UUID, from, to string, metadata datatypes.JSON) (*types.TaskTransition, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var row *types.TaskTransition
	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var maxSortKey int64
		if err := txx.Model(&types.TaskTransition{}).
			Where("task_id = ?", taskID).
			Select("COALESCE(MAX(sort_key), 0)").
			Scan(&maxSortKey).Error; err != nil {
			return err
		}
		if err := txx.Model(&types.TaskTransition{}).
			Where("task_id = ? AND most_recent = true", taskID).
			Update("most_recent", false).Error; err != nil {
			return err
		}
		row = &types.TaskTransition{
			TaskID:     taskID,
			SortKey:    maxSortKey + 1,
			FromState:  from,
			ToState:    to,
			Metadata:   metadata,
			MostRecent: true,
		}
		if err := txx.Create(row).Error; err != nil {
			if isUniqueViolation(err) {
				return &flowerrors.ConcurrencyConflict{EntityKind: "task", EntityID: taskID.String()}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *repo) AppendStep(dbc dbctx.Context, stepID uuid.UUID, from, to string, metadata datatypes.JSON) (*types.WorkflowStepTransition, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var row *types.WorkflowStepTransition
	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var maxSortKey int64
		if err := txx.Model(&types.WorkflowStepTransition{}).
			Where("workflow_step_id = ?", stepID).
			Select("COALESCE(MAX(sort_key), 0)").
			Scan(&maxSortKey).Error; err != nil {
			return err
		}
		if err := txx.Model(&types.WorkflowStepTransition{}).
			Where("workflow_step_id = ? AND most_recent = true", stepID).
			Update("most_recent", false).Error; err != nil {
			return err
		}
		row = &types.WorkflowStepTransition{
			WorkflowStepID: stepID,
			SortKey:        maxSortKey + 1,
			FromState:      from,
			ToState:        to,
			Metadata:       metadata,
			MostRecent:     true,
		}
		if err := txx.Create(row).Error; err != nil {
			if isUniqueViolation(err) {
				return &flowerrors.ConcurrencyConflict{EntityKind: "workflow_step", EntityID: stepID.String()}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *repo) CurrentTaskState(dbc dbctx.Context, taskID uuid.UUID) (string, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var state string
	err := tx.WithContext(dbc.Ctx).Model(&types.TaskTransition{}).
		Where("task_id = ? AND most_recent = true", taskID).
		Select("to_state").
		Scan(&state).Error
	if err != nil {
		return "", err
	}
	if state == "" {
		return types.TaskStatePending, nil
	}
	return state, nil
}

func (r *repo) CurrentStepState(dbc dbctx.Context, stepID uuid.UUID) (string, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var state string
	err := tx.WithContext(dbc.Ctx).Model(&types.WorkflowStepTransition{}).
		Where("workflow_step_id = ? AND most_recent = true", stepID).
		Select("to_state").
		Scan(&state).Error
	if err != nil {
		return "", err
	}
	if state == "" {
		return types.StepStatePending, nil
	}
	return state, nil
}

func (r *repo) ListTaskHistory(dbc dbctx.Context, taskID uuid.UUID) ([]*types.TaskTransition, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var out []*types.TaskTransition
	err := tx.WithContext(dbc.Ctx).
		Where("task_id = ?", taskID).
		Order("sort_key ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) ListStepHistory(dbc dbctx.Context, stepID uuid.UUID) ([]*types.WorkflowStepTransition, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var out []*types.WorkflowStepTransition
	err := tx.WithContext(dbc.Ctx).
		Where("workflow_step_id = ?", stepID).
		Order("sort_key ASC").
		Find(&out).Error
	return out, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
