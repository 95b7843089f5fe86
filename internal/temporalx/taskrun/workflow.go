// Package taskrun is the Temporal-backed Reenqueuer alternative: Temporal
// drives the wake-up loop instead of the database-polling worker pool,
// with workflow.Sleep standing in for Task.NextAttemptAt and one
// Coordinator.ProcessTask tick per iteration.
package taskrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"

	types "github.com/ardenhq/flowengine/internal/domain"
)

// Workflow ticks the task named by its own workflow ID until it reaches a
// terminal state, sleeping between ticks for however long the Execution
// Context says is left before the next retry becomes eligible.
func Workflow(ctx workflow.Context) error {
	taskID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if taskID == "" {
		return fmt.Errorf("taskrun: missing task_id")
	}

	const (
		defaultPollInterval  = 2 * time.Second
		continueTickLimit    = 2000
		continueHistoryLimit = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
	})

	tickCount := 0
	for {
		tickCount++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, taskID).Get(ctx, &out); err != nil {
			return err
		}

		status := strings.ToLower(strings.TrimSpace(out.Status))
		switch status {
		case types.TaskStateComplete, types.TaskStateCancelled:
			return nil
		case types.TaskStateError:
			// Parked: moving error back to in_progress is an operator
			// action, and the operator starts a fresh workflow when
			// retrying. Ticking a dead task here would spin forever.
			return nil
		default:
			if d := nextWait(ctx, out.WaitUntil, defaultPollInterval); d > 0 {
				if err := workflow.Sleep(ctx, d); err != nil {
					return err
				}
			}
			if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistoryLimit) {
				return workflow.NewContinueAsNewError(ctx, Workflow)
			}
			continue
		}
	}
}

func nextWait(ctx workflow.Context, waitUntil *time.Time, def time.Duration) time.Duration {
	if waitUntil == nil || waitUntil.IsZero() {
		return def
	}
	now := workflow.Now(ctx)
	if waitUntil.Before(now) {
		return def
	}
	d := waitUntil.Sub(now)
	if d <= 0 {
		return def
	}
	if d > 15*time.Minute {
		return 15 * time.Minute
	}
	return d
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
