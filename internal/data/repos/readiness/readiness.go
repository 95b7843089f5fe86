// Package readiness implements the readiness oracle and the execution
// context aggregator, the heart of the scheduling subsystem. The oracle is
// a single set-oriented query per task joining workflow_steps to their
// most-recent transition and to their parent edges. The retry ladder and
// the aggregation rollup are then evaluated in Go so that both stay
// unit-testable independent of a live database: the package splits "fetch
// the set" (SQL) from "evaluate the ladder" (Go).
package readiness

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/ardenhq/flowengine/internal/domain"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

const (
	backoffCapSeconds  = 30
	minBackoffExponent = 1
)

// StepRow is the Oracle's computed readiness for one unprocessed
// WorkflowStep.
type StepRow struct {
	WorkflowStepID uuid.UUID
	TaskID         uuid.UUID

	CurrentState string

	DependenciesSatisfied bool
	RetryEligible         bool
	ReadyForExecution     bool

	LastFailureAt *time.Time
	NextRetryAt   *time.Time

	TotalParents     int
	CompletedParents int
	Attempts         int
	RetryLimit       int
	Retryable        bool

	BackoffRequestSeconds *int
	LastAttemptedAt       *time.Time
}

// rawRow is the shape the set-oriented SQL query returns, before the ladder
// and readiness conjunction are evaluated.
type rawRow struct {
	WorkflowStepID        uuid.UUID `gorm:"column:workflow_step_id"`
	TaskID                uuid.UUID `gorm:"column:task_id"`
	CurrentState          string    `gorm:"column:current_state"`
	Attempts              int       `gorm:"column:attempts"`
	RetryLimit            int       `gorm:"column:retry_limit"`
	Retryable             bool      `gorm:"column:retryable"`
	InProcess             bool      `gorm:"column:in_process"`
	Processed             bool      `gorm:"column:processed"`
	BackoffRequestSeconds *int      `gorm:"column:backoff_request_seconds"`
	LastAttemptedAt       *time.Time `gorm:"column:last_attempted_at"`
	TotalParents          int       `gorm:"column:total_parents"`
	CompletedParents      int       `gorm:"column:completed_parents"`
}

const readinessQuery = `
WITH step_state AS (
	SELECT
		ws.id AS workflow_step_id,
		ws.task_id,
		COALESCE(wst.to_state, 'pending') AS current_state,
		COALESCE(ws.attempts, 0) AS attempts,
		COALESCE(ws.retry_limit, 3) AS retry_limit,
		COALESCE(ws.retryable, true) AS retryable,
		ws.in_process,
		ws.processed,
		ws.backoff_request_seconds,
		ws.last_attempted_at
	FROM workflow_steps ws
	LEFT JOIN workflow_step_transitions wst
		ON wst.workflow_step_id = ws.id AND wst.most_recent = true
	WHERE ws.task_id = ?
	  AND ws.processed = false
),
parents AS (
	SELECT
		e.to_step_id AS workflow_step_id,
		COUNT(*) AS total_parents,
		COUNT(*) FILTER (
			WHERE COALESCE(pwst.to_state, 'pending') IN ('complete', 'resolved_manually')
		) AS completed_parents
	FROM workflow_step_edges e
	LEFT JOIN workflow_step_transitions pwst
		ON pwst.workflow_step_id = e.from_step_id AND pwst.most_recent = true
	WHERE e.task_id = ?
	GROUP BY e.to_step_id
)
SELECT
	s.workflow_step_id,
	s.task_id,
	s.current_state,
	s.attempts,
	s.retry_limit,
	s.retryable,
	s.in_process,
	s.processed,
	s.backoff_request_seconds,
	s.last_attempted_at,
	COALESCE(p.total_parents, 0) AS total_parents,
	COALESCE(p.completed_parents, 0) AS completed_parents
FROM step_state s
LEFT JOIN parents p ON p.workflow_step_id = s.workflow_step_id
`

type Oracle interface {
	// ReadinessFor computes the Oracle's row for every unprocessed step of
	// task_id, optionally narrowed to stepIDs.
	ReadinessFor(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, stepIDs []uuid.UUID) ([]StepRow, error)

	// ReadinessForTasks is the batch variant; same row shape, many tasks.
	ReadinessForTasks(ctx context.Context, tx *gorm.DB, taskIDs []uuid.UUID) (map[uuid.UUID][]StepRow, error)
}

type oracle struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOracle(db *gorm.DB, baseLog *logger.Logger) Oracle {
	return &oracle{db: db, log: baseLog.With("repo", "ReadinessOracle")}
}

func (o *oracle) ReadinessFor(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, stepIDs []uuid.UUID) ([]StepRow, error) {
	t := tx
	if t == nil {
		t = o.db
	}
	var raws []rawRow
	if err := t.WithContext(ctx).Raw(readinessQuery, taskID, taskID).Scan(&raws).Error; err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rows := make([]StepRow, 0, len(raws))
	filter := toSet(stepIDs)
	for _, raw := range raws {
		if len(filter) > 0 {
			if _, ok := filter[raw.WorkflowStepID]; !ok {
				continue
			}
		}
		rows = append(rows, evaluate(raw, now))
	}
	return rows, nil
}

func (o *oracle) ReadinessForTasks(ctx context.Context, tx *gorm.DB, taskIDs []uuid.UUID) (map[uuid.UUID][]StepRow, error) {
	out := make(map[uuid.UUID][]StepRow, len(taskIDs))
	for _, id := range taskIDs {
		rows, err := o.ReadinessFor(ctx, tx, id, nil)
		if err != nil {
			return nil, err
		}
		out[id] = rows
	}
	return out, nil
}

func toSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	if len(ids) == 0 {
		return nil
	}
	s := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// evaluate applies the retry ladder and the readiness conjunction to one
// raw row. It is pure and deterministic given `now`, so tests
// can exercise every ladder branch without a database.
func evaluate(raw rawRow, now time.Time) StepRow {
	row := StepRow{
		WorkflowStepID:        raw.WorkflowStepID,
		TaskID:                raw.TaskID,
		CurrentState:          raw.CurrentState,
		Attempts:              raw.Attempts,
		RetryLimit:            raw.RetryLimit,
		Retryable:             raw.Retryable,
		TotalParents:          raw.TotalParents,
		CompletedParents:      raw.CompletedParents,
		BackoffRequestSeconds: raw.BackoffRequestSeconds,
		LastAttemptedAt:       raw.LastAttemptedAt,
	}

	row.DependenciesSatisfied = row.TotalParents == 0 || row.CompletedParents >= row.TotalParents

	// last_attempted_at is written only on the Executor's failure path, so
	// its presence is itself the "prior failure" signal the ladder's third
	// rung checks for.
	lastFailureAt := raw.LastAttemptedAt
	row.LastFailureAt = lastFailureAt

	row.RetryEligible, row.NextRetryAt = evaluateRetryLadder(row, lastFailureAt, now)

	row.ReadyForExecution = (row.CurrentState == types.StepStatePending || row.CurrentState == types.StepStateError) &&
		!raw.Processed &&
		!raw.InProcess &&
		row.DependenciesSatisfied &&
		row.Attempts < row.RetryLimit &&
		row.Retryable &&
		row.RetryEligible

	return row
}

// evaluateRetryLadder implements the first-match-wins retry ladder plus
// the backoff gate, and derives next_retry_at from the same arithmetic.
func evaluateRetryLadder(row StepRow, lastFailureAt *time.Time, now time.Time) (eligible bool, nextRetryAt *time.Time) {
	if row.Attempts >= row.RetryLimit {
		return false, nil
	}
	if row.Attempts > 0 && !row.Retryable {
		return false, nil
	}
	if lastFailureAt == nil {
		// No prior failure: immediately eligible, nothing to wait on.
		return true, nil
	}

	if row.BackoffRequestSeconds != nil {
		readyAt := lastFailureAt.Add(time.Duration(*row.BackoffRequestSeconds) * time.Second)
		if !readyAt.After(now) {
			return true, nil
		}
		return false, &readyAt
	}

	exponent := row.Attempts
	if exponent < minBackoffExponent {
		exponent = minBackoffExponent
	}
	delaySeconds := math.Min(math.Pow(2, float64(exponent)), backoffCapSeconds)
	readyAt := lastFailureAt.Add(time.Duration(delaySeconds * float64(time.Second)))
	if !readyAt.After(now) {
		return true, nil
	}
	return false, &readyAt
}
