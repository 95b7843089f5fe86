package taskrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/ardenhq/flowengine/internal/data/repos/readiness"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

// Coordinator is the narrow surface the activity drives; satisfied by
// *orchestrator.Coordinator.
type Coordinator interface {
	ProcessTask(ctx context.Context, taskID uuid.UUID) error
}

// TaskStater reads a task's current state without mutating it; satisfied by
// *orchestrator.TaskStateMachine.
type TaskStater interface {
	Current(ctx context.Context, taskID uuid.UUID) (string, error)
}

// Activities bundles the dependencies one Tick needs: run the Coordinator,
// then report back the task's resulting state and its next wake-up moment
// so Workflow knows how long to sleep.
type Activities struct {
	Log         *logger.Logger
	Coordinator Coordinator
	TaskState   TaskStater
	Aggregator  readiness.Aggregator
}

// Tick runs exactly one Coordinator.ProcessTask call and reports the task's
// resulting status plus, if it is still waiting on a future retry, the
// earliest moment a retry becomes eligible.
func (a *Activities) Tick(ctx context.Context, taskID string) (TickResult, error) {
	res := TickResult{TaskID: strings.TrimSpace(taskID)}
	if a == nil || a.Coordinator == nil || a.TaskState == nil {
		return res, fmt.Errorf("taskrun: activity not configured")
	}

	id, err := uuid.Parse(res.TaskID)
	if err != nil || id == uuid.Nil {
		return res, fmt.Errorf("taskrun: invalid task_id")
	}

	stopHB := a.startHeartbeat(ctx)
	defer stopHB()

	if err := a.Coordinator.ProcessTask(ctx, id); err != nil {
		return res, err
	}

	status, err := a.TaskState.Current(ctx, id)
	if err != nil {
		return res, err
	}
	res.Status = status

	if a.Aggregator != nil {
		ec, err := a.Aggregator.Aggregate(ctx, nil, id)
		if err == nil && ec != nil {
			res.WaitUntil = ec.NextRetryAt
		} else if err != nil && a.Log != nil {
			a.Log.Warn("taskrun: aggregate failed while computing wait hint", "task_id", id, "error", err)
		}
	}

	return res, nil
}

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
