// Package tasks is the CRUD repo over the tasks table.
package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/ardenhq/flowengine/internal/domain"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

type Repo interface {
	Create(ctx context.Context, tx *gorm.DB, row *types.Task) (*types.Task, error)

	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Task, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Task, error)
	GetByIdentityHash(ctx context.Context, tx *gorm.DB, hash string) (*types.Task, error)

	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error

	ListIncomplete(ctx context.Context, tx *gorm.DB, limit int) ([]*types.Task, error)

	// ListDue returns incomplete tasks whose next_attempt_at has passed (or
	// was never set), the query the worker pool's poll loop drives. Tasks
	// whose current transition state is error are excluded: they stay
	// parked until an operator retry moves them back to in_progress, so a
	// permanently-blocked task is not re-dispatched on every poll.
	ListDue(ctx context.Context, tx *gorm.DB, limit int) ([]*types.Task, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "TasksRepo")}
}

func (r *repo) Create(ctx context.Context, tx *gorm.DB, row *types.Task) (*types.Task, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	if row == nil {
		return nil, nil
	}
	if err := t.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *repo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Task, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var out []*types.Task
	if len(ids) == 0 {
		return out, nil
	}
	if err := t.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Task, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	rows, err := r.GetByIDs(ctx, tx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *repo) GetByIdentityHash(ctx context.Context, tx *gorm.DB, hash string) (*types.Task, error) {
	if hash == "" {
		return nil, nil
	}
	t := tx
	if t == nil {
		t = r.db
	}
	var row types.Task
	if err := t.WithContext(ctx).Where("identity_hash = ?", hash).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	t := tx
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
	return t.WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repo) ListIncomplete(ctx context.Context, tx *gorm.DB, limit int) ([]*types.Task, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var out []*types.Task
	q := t.WithContext(ctx).Where("complete = false").Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) ListDue(ctx context.Context, tx *gorm.DB, limit int) ([]*types.Task, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var out []*types.Task
	q := t.WithContext(ctx).
		Where("complete = false AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", time.Now().UTC()).
		Where("NOT EXISTS (SELECT 1 FROM task_transitions tt WHERE tt.task_id = tasks.id AND tt.most_recent = true AND tt.to_state = ?)", types.TaskStateError).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
