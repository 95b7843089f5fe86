// Package reporting implements the analytics surfaces SlowestSteps,
// SlowestTasks, and SystemHealthCounts: read-only aggregate queries over
// the transition log, written as raw SQL scanned into result structs
// rather than through a heavier query builder.
package reporting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StepDuration is one row of the slowest-steps report: the wall-clock time
// between a step's in_progress transition and its terminal transition.
type StepDuration struct {
	WorkflowStepID uuid.UUID `gorm:"column:workflow_step_id"`
	TaskID         uuid.UUID `gorm:"column:task_id"`
	NamedStepID    uuid.UUID `gorm:"column:named_step_id"`
	ToState        string    `gorm:"column:to_state"`
	DurationMillis int64     `gorm:"column:duration_millis"`
}

// TaskDuration is one row of the slowest-tasks report: the wall-clock time
// between a task's in_progress transition and its terminal transition.
type TaskDuration struct {
	TaskID         uuid.UUID `gorm:"column:task_id"`
	NamedTaskID    uuid.UUID `gorm:"column:named_task_id"`
	ToState        string    `gorm:"column:to_state"`
	DurationMillis int64     `gorm:"column:duration_millis"`
}

// HealthCounts is a system-wide snapshot: the number of tasks currently in
// each terminal/non-terminal state, and the number of steps that are
// permanently blocked (attempts >= retry_limit) across every task.
type HealthCounts struct {
	Pending            int64 `gorm:"column:pending"`
	InProgress         int64 `gorm:"column:in_progress"`
	Complete           int64 `gorm:"column:complete"`
	Error              int64 `gorm:"column:error"`
	Cancelled          int64 `gorm:"column:cancelled"`
	PermanentlyBlocked int64 `gorm:"column:permanently_blocked"`
	GeneratedAt        time.Time
}

type Repo interface {
	SlowestSteps(ctx context.Context, tx *gorm.DB, limit int) ([]StepDuration, error)
	SlowestTasks(ctx context.Context, tx *gorm.DB, limit int) ([]TaskDuration, error)
	SystemHealthCounts(ctx context.Context, tx *gorm.DB) (*HealthCounts, error)
}

type repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) Repo {
	return &repo{db: db}
}

const slowestStepsQuery = `
WITH started AS (
	SELECT workflow_step_id, sort_key, created_at
	FROM workflow_step_transitions
	WHERE to_state = 'in_progress'
),
finished AS (
	SELECT workflow_step_id, to_state, sort_key, created_at
	FROM workflow_step_transitions
	WHERE to_state IN ('complete', 'error', 'resolved_manually', 'cancelled')
)
SELECT
	ws.id AS workflow_step_id,
	ws.task_id,
	ws.named_step_id,
	f.to_state,
	EXTRACT(EPOCH FROM (f.created_at - s.created_at)) * 1000 AS duration_millis
FROM workflow_steps ws
JOIN started s ON s.workflow_step_id = ws.id
JOIN finished f ON f.workflow_step_id = ws.id AND f.sort_key > s.sort_key
ORDER BY duration_millis DESC
LIMIT ?
`

func (r *repo) SlowestSteps(ctx context.Context, tx *gorm.DB, limit int) ([]StepDuration, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	if limit <= 0 {
		limit = 10
	}
	var out []StepDuration
	if err := t.WithContext(ctx).Raw(slowestStepsQuery, limit).Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

const slowestTasksQuery = `
WITH started AS (
	SELECT task_id, sort_key, created_at
	FROM task_transitions
	WHERE to_state = 'in_progress'
),
finished AS (
	SELECT task_id, to_state, sort_key, created_at
	FROM task_transitions
	WHERE to_state IN ('complete', 'error', 'cancelled')
)
SELECT
	t.id AS task_id,
	t.named_task_id,
	f.to_state,
	EXTRACT(EPOCH FROM (f.created_at - s.created_at)) * 1000 AS duration_millis
FROM tasks t
JOIN started s ON s.task_id = t.id
JOIN finished f ON f.task_id = t.id AND f.sort_key > s.sort_key
ORDER BY duration_millis DESC
LIMIT ?
`

func (r *repo) SlowestTasks(ctx context.Context, tx *gorm.DB, limit int) ([]TaskDuration, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	if limit <= 0 {
		limit = 10
	}
	var out []TaskDuration
	if err := t.WithContext(ctx).Raw(slowestTasksQuery, limit).Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

const healthCountsQuery = `
WITH current_task_state AS (
	SELECT t.id AS task_id, COALESCE(tt.to_state, 'pending') AS state
	FROM tasks t
	LEFT JOIN task_transitions tt ON tt.task_id = t.id AND tt.most_recent = true
),
current_step_state AS (
	SELECT ws.id AS workflow_step_id,
	       COALESCE(wst.to_state, 'pending') AS state,
	       COALESCE(ws.attempts, 0) AS attempts,
	       COALESCE(ws.retry_limit, 3) AS retry_limit
	FROM workflow_steps ws
	LEFT JOIN workflow_step_transitions wst ON wst.workflow_step_id = ws.id AND wst.most_recent = true
	WHERE ws.processed = false
)
SELECT
	(SELECT COUNT(*) FROM current_task_state WHERE state = 'pending') AS pending,
	(SELECT COUNT(*) FROM current_task_state WHERE state = 'in_progress') AS in_progress,
	(SELECT COUNT(*) FROM current_task_state WHERE state = 'complete') AS complete,
	(SELECT COUNT(*) FROM current_task_state WHERE state = 'error') AS error,
	(SELECT COUNT(*) FROM current_task_state WHERE state = 'cancelled') AS cancelled,
	(SELECT COUNT(*) FROM current_step_state WHERE state = 'error' AND attempts >= retry_limit) AS permanently_blocked
`

func (r *repo) SystemHealthCounts(ctx context.Context, tx *gorm.DB) (*HealthCounts, error) {
	t := tx
	if t == nil {
		t = r.db
	}
	var out HealthCounts
	if err := t.WithContext(ctx).Raw(healthCountsQuery).Scan(&out).Error; err != nil {
		return nil, err
	}
	out.GeneratedAt = time.Now().UTC()
	return &out, nil
}
