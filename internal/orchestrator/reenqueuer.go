package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ardenhq/flowengine/internal/data/repos/tasks"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

// DBReenqueuer implements the Reenqueuer contract by
// stamping Task.NextAttemptAt forward: the worker pool's poll query
// (tasks.Repo.ListDue) is what actually delivers the wake-up, so Schedule
// itself never suspends and duplicate schedules naturally collapse into a
// single column write rather than stacking timers: one UPDATE by task id,
// with no preceding SELECT and no guard condition.
// This is the default backend; it survives process restarts for free because
// the wake-up moment is persisted, not held in memory.
type DBReenqueuer struct {
	tasks tasks.Repo
	log   *logger.Logger
}

func NewDBReenqueuer(tasksRepo tasks.Repo, baseLog *logger.Logger) *DBReenqueuer {
	return &DBReenqueuer{tasks: tasksRepo, log: baseLog.With("component", "DBReenqueuer")}
}

func (r *DBReenqueuer) Schedule(ctx context.Context, taskID uuid.UUID, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	next := time.Now().UTC().Add(delay)
	return r.tasks.UpdateFields(ctx, nil, taskID, map[string]interface{}{"next_attempt_at": next})
}

// InProcessReenqueuer is the in-memory timer-queue alternative, useful for
// a single-process deployment or tests where standing up a poll loop is
// overkill. Duplicate schedules for the same task_id
// collapse by replacing any pending timer: only the most recent Schedule
// call's delay is honored, matching the idempotence the contract requires.
type InProcessReenqueuer struct {
	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	process func(ctx context.Context, taskID uuid.UUID) error
	log     *logger.Logger
}

func NewInProcessReenqueuer(process func(ctx context.Context, taskID uuid.UUID) error, baseLog *logger.Logger) *InProcessReenqueuer {
	return &InProcessReenqueuer{
		timers:  make(map[uuid.UUID]*time.Timer),
		process: process,
		log:     baseLog.With("component", "InProcessReenqueuer"),
	}
}

func (r *InProcessReenqueuer) Schedule(ctx context.Context, taskID uuid.UUID, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.timers[taskID]; ok {
		existing.Stop()
	}
	r.timers[taskID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, taskID)
		r.mu.Unlock()
		if err := r.process(context.Background(), taskID); err != nil && r.log != nil {
			r.log.Error("reenqueued task processing failed", "task_id", taskID, "error", err)
		}
	})
	return nil
}
