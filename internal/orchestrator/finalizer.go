package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ardenhq/flowengine/internal/data/repos/readiness"
	"github.com/ardenhq/flowengine/internal/data/repos/tasks"
	types "github.com/ardenhq/flowengine/internal/domain"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

// Reenqueuer schedules a future ProcessTask wake-up for a task whose next
// readiness moment lies in the future. Schedule must be
// idempotent at the task level: duplicate schedules for the same task_id
// collapse rather than stacking concurrent wake-ups.
type Reenqueuer interface {
	Schedule(ctx context.Context, taskID uuid.UUID, delay time.Duration) error
}

// Finalizer takes a single-shot decision over the execution context
// computed after a batch finishes. It never loops internally; the
// Coordinator's bounded re-entry loop is what repeats
// Discovery/Execute/Finalize when the action is "execute ready steps".
type Finalizer struct {
	aggregator  readiness.Aggregator
	taskMachine *TaskStateMachine
	tasks       tasks.Repo
	reenqueuer  Reenqueuer
	bus         *EventBus
	log         *logger.Logger

	minDelay time.Duration
	maxDelay time.Duration
}

func NewFinalizer(
	aggregator readiness.Aggregator,
	taskMachine *TaskStateMachine,
	tasksRepo tasks.Repo,
	reenqueuer Reenqueuer,
	bus *EventBus,
	baseLog *logger.Logger,
	minDelay, maxDelay time.Duration,
) *Finalizer {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Finalizer{
		aggregator:  aggregator,
		taskMachine: taskMachine,
		tasks:       tasksRepo,
		reenqueuer:  reenqueuer,
		bus:         bus,
		log:         baseLog.With("component", "Finalizer"),
		minDelay:    minDelay,
		maxDelay:    maxDelay,
	}
}

// Finalize reads the Execution Context for taskID and takes exactly one
// action from its decision table, returning the recommended_action
// string (readiness.Action*) so the Coordinator knows whether to re-enter
// Discovery.
func (f *Finalizer) Finalize(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) (string, error) {
	ec, err := f.aggregator.Aggregate(ctx, tx, taskID)
	if err != nil {
		return "", err
	}

	switch ec.ExecutionStatus {
	case readiness.StatusHasReadySteps:
		return readiness.ActionExecuteReadySteps, nil

	case readiness.StatusProcessing:
		return readiness.ActionWaitForCompletion, nil

	case readiness.StatusBlockedByFailures:
		if _, err := f.taskMachine.TransitionTo(ctx, taskID, types.TaskStateError, nil); err != nil {
			return "", err
		}
		f.bus.Publish(Event{
			Topic: TopicTaskFailed,
			Fields: map[string]any{
				"task_id":             taskID,
				"permanently_blocked": ec.PermanentlyBlocked,
			},
		})
		return readiness.ActionHandleFailures, nil

	case readiness.StatusAllComplete:
		if _, err := f.taskMachine.TransitionTo(ctx, taskID, types.TaskStateComplete, nil); err != nil {
			return "", err
		}
		if err := f.tasks.UpdateFields(ctx, tx, taskID, map[string]interface{}{"complete": true}); err != nil {
			return "", err
		}
		f.bus.Publish(Event{
			Topic:  TopicTaskCompleted,
			Fields: map[string]any{"task_id": taskID},
		})
		return readiness.ActionFinalizeTask, nil

	default: // waiting_for_dependencies
		if ec.NextRetryAt != nil {
			delay := time.Until(*ec.NextRetryAt)
			delay = clampDuration(delay, f.minDelay, f.maxDelay)
			if err := f.reenqueuer.Schedule(ctx, taskID, delay); err != nil {
				return "", err
			}
			f.bus.Publish(Event{
				Topic: TopicTaskReenqueueRequested,
				Fields: map[string]any{
					"task_id": taskID,
					"delay":   delay,
				},
			})
			return readiness.ActionWaitForDependencies, nil
		}
		// A truly stuck task: no ready steps, nothing in_progress, no pending
		// retry to wait on. Leave it as-is; only an operator override of
		// one of its steps (package operator) moves it forward.
		f.log.Warn("task waiting for dependencies with no pending retry", "task_id", taskID)
		return readiness.ActionWaitForDependencies, nil
	}
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
