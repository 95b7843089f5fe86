package readiness

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/ardenhq/flowengine/internal/domain"
)

// Execution status enum.
const (
	StatusHasReadySteps          = "has_ready_steps"
	StatusProcessing             = "processing"
	StatusBlockedByFailures      = "blocked_by_failures"
	StatusAllComplete            = "all_complete"
	StatusWaitingForDependencies = "waiting_for_dependencies"
)

// Recommended actions, 1-to-1 with the status above.
const (
	ActionExecuteReadySteps    = "execute_ready_steps"
	ActionWaitForCompletion    = "wait_for_completion"
	ActionHandleFailures       = "handle_failures"
	ActionFinalizeTask         = "finalize_task"
	ActionWaitForDependencies  = "wait_for_dependencies"
)

// Health status.
const (
	HealthHealthy   = "healthy"
	HealthRecovering = "recovering"
	HealthBlocked   = "blocked"
	HealthUnknown   = "unknown"
)

// ExecutionContext is the per-task roll-up over the Oracle's rows for that
// task. total counts every WorkflowStep belonging to the task,
// including already-processed ones; the Oracle itself only ever returns
// unprocessed rows, so Completed is derived separately from processed state
// rather than from the Oracle rows.
type ExecutionContext struct {
	TaskID uuid.UUID

	Total      int
	Pending    int
	InProgress int
	Completed  int
	Failed     int
	Ready      int

	PermanentlyBlocked int

	ExecutionStatus    string
	RecommendedAction  string
	CompletionPercentage float64
	HealthStatus       string

	// ReadyStepIDs is the set of workflow_step_ids the caller (Discovery)
	// should dispatch when ExecutionStatus == StatusHasReadySteps.
	ReadyStepIDs []uuid.UUID

	// NextRetryAt is the earliest pending retry moment across all
	// not-yet-eligible steps, used by the Finalizer to size a Reenqueuer
	// delay when ExecutionStatus == StatusWaitingForDependencies.
	NextRetryAt *time.Time
}

// Aggregator computes the Execution Context for a task from the Oracle's
// readiness rows plus the task's full step roster (needed because
// completed/processed steps do not appear among the Oracle's rows).
type Aggregator interface {
	Aggregate(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) (*ExecutionContext, error)

	// AggregateForTasks is the batch variant: it loads the steps of every
	// task in taskIDs with one query, reads readiness through
	// ReadinessForTasks (one readiness query per task), and returns one
	// Execution Context per task.
	AggregateForTasks(ctx context.Context, tx *gorm.DB, taskIDs []uuid.UUID) (map[uuid.UUID]*ExecutionContext, error)
}

type aggregator struct {
	oracle Oracle
	db     *gorm.DB
}

func NewAggregator(oracle Oracle, db *gorm.DB) Aggregator {
	return &aggregator{oracle: oracle, db: db}
}

func (a *aggregator) Aggregate(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) (*ExecutionContext, error) {
	t := tx
	if t == nil {
		t = a.db
	}

	var allSteps []*types.WorkflowStep
	if err := t.WithContext(ctx).Where("task_id = ?", taskID).Find(&allSteps).Error; err != nil {
		return nil, err
	}

	rows, err := a.oracle.ReadinessFor(ctx, t, taskID, nil)
	if err != nil {
		return nil, err
	}

	return Rollup(taskID, allSteps, rows), nil
}

func (a *aggregator) AggregateForTasks(ctx context.Context, tx *gorm.DB, taskIDs []uuid.UUID) (map[uuid.UUID]*ExecutionContext, error) {
	t := tx
	if t == nil {
		t = a.db
	}
	out := make(map[uuid.UUID]*ExecutionContext, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}

	var allSteps []*types.WorkflowStep
	if err := t.WithContext(ctx).Where("task_id IN ?", taskIDs).Find(&allSteps).Error; err != nil {
		return nil, err
	}
	stepsByTask := make(map[uuid.UUID][]*types.WorkflowStep, len(taskIDs))
	for _, s := range allSteps {
		stepsByTask[s.TaskID] = append(stepsByTask[s.TaskID], s)
	}

	rowsByTask, err := a.oracle.ReadinessForTasks(ctx, t, taskIDs)
	if err != nil {
		return nil, err
	}

	for _, id := range taskIDs {
		out[id] = Rollup(id, stepsByTask[id], rowsByTask[id])
	}
	return out, nil
}

// Rollup is the pure aggregation logic, split out from Aggregate
// so it can be exercised without a database: given every step a task owns
// and the Oracle's rows for its unprocessed steps, compute the roll-up.
func Rollup(taskID uuid.UUID, allSteps []*types.WorkflowStep, rows []StepRow) *ExecutionContext {
	ec := &ExecutionContext{TaskID: taskID}
	ec.Total = len(allSteps)

	byID := make(map[uuid.UUID]StepRow, len(rows))
	for _, row := range rows {
		byID[row.WorkflowStepID] = row
	}

	for _, step := range allSteps {
		row, hasRow := byID[step.ID]
		switch {
		case step.Processed:
			ec.Completed++
		case hasRow && row.CurrentState == types.StepStateInProgress:
			ec.InProgress++
		case hasRow && row.CurrentState == types.StepStateError:
			ec.Failed++
			if row.Attempts >= row.RetryLimit {
				ec.PermanentlyBlocked++
			}
		default:
			ec.Pending++
		}

		if hasRow && row.ReadyForExecution {
			ec.Ready++
			ec.ReadyStepIDs = append(ec.ReadyStepIDs, step.ID)
		}
		if hasRow && row.NextRetryAt != nil {
			if ec.NextRetryAt == nil || row.NextRetryAt.Before(*ec.NextRetryAt) {
				ec.NextRetryAt = row.NextRetryAt
			}
		}
	}

	switch {
	case ec.Ready > 0:
		ec.ExecutionStatus = StatusHasReadySteps
		ec.RecommendedAction = ActionExecuteReadySteps
	case ec.InProgress > 0:
		ec.ExecutionStatus = StatusProcessing
		ec.RecommendedAction = ActionWaitForCompletion
	case ec.PermanentlyBlocked > 0 && ec.Ready == 0:
		ec.ExecutionStatus = StatusBlockedByFailures
		ec.RecommendedAction = ActionHandleFailures
	case ec.Completed == ec.Total && ec.Total > 0:
		ec.ExecutionStatus = StatusAllComplete
		ec.RecommendedAction = ActionFinalizeTask
	default:
		ec.ExecutionStatus = StatusWaitingForDependencies
		ec.RecommendedAction = ActionWaitForDependencies
	}

	if ec.Total > 0 {
		pct := 100 * float64(ec.Completed) / float64(ec.Total)
		ec.CompletionPercentage = roundTo2(pct)
	}

	// recovering is checked before blocked: a task with both a permanent
	// block and a transient (backoff-pending) failure still has a way
	// forward, so it reports recovering, not blocked.
	switch {
	case ec.Failed == 0:
		ec.HealthStatus = HealthHealthy
	case ec.Ready > 0 || ec.Failed > ec.PermanentlyBlocked:
		ec.HealthStatus = HealthRecovering
	case ec.PermanentlyBlocked > 0 && ec.Ready == 0:
		ec.HealthStatus = HealthBlocked
	default:
		ec.HealthStatus = HealthUnknown
	}

	return ec
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
