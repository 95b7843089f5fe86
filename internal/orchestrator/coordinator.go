package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ardenhq/flowengine/internal/data/repos/readiness"
	types "github.com/ardenhq/flowengine/internal/domain"
	flowerrors "github.com/ardenhq/flowengine/internal/errors"
	"github.com/ardenhq/flowengine/internal/platform/ctxutil"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

// Coordinator boots and owns the orchestration components and exposes the
// single entry point the worker pool, the Reenqueuer, and the submission
// path all call into: ProcessTask. It runs
// StateMachine -> Discovery -> Executor -> Finalizer -> {Reenqueuer |
// terminate} by calling each component directly, and the Finalizer holds
// the Reenqueuer it schedules through. The EventBus carries each stage's
// events to whoever subscribes; it does not drive the sequence.
type Coordinator struct {
	taskMachine *TaskStateMachine
	discovery   *Discovery
	executor    *Executor
	finalizer   *Finalizer
	bus         *EventBus
	log         *logger.Logger

	maxInlineIterations int
}

func NewCoordinator(
	taskMachine *TaskStateMachine,
	discovery *Discovery,
	executor *Executor,
	finalizer *Finalizer,
	bus *EventBus,
	baseLog *logger.Logger,
	maxInlineIterations int,
) *Coordinator {
	if maxInlineIterations <= 0 {
		maxInlineIterations = 25
	}
	return &Coordinator{
		taskMachine:         taskMachine,
		discovery:           discovery,
		executor:            executor,
		finalizer:           finalizer,
		bus:                 bus,
		log:                 baseLog.With("component", "Coordinator"),
		maxInlineIterations: maxInlineIterations,
	}
}

// ProcessTask runs one tick: it starts
// the task if it is not already running, then alternates Discovery/Execute/
// Finalize until the Finalizer's action is anything other than "keep
// discovering", bounded by maxInlineIterations so a misbehaving DAG cannot
// spin the process forever.
func (c *Coordinator) ProcessTask(ctx context.Context, taskID uuid.UUID) error {
	log := c.log
	if td := ctxutil.GetTraceData(ctx); td != nil && td.TraceID != "" {
		log = log.With("trace_id", td.TraceID)
	}

	state, err := c.taskMachine.Current(ctx, taskID)
	if err != nil {
		return err
	}

	switch state {
	case types.TaskStateComplete, types.TaskStateCancelled:
		return nil
	case types.TaskStateError:
		// error -> in_progress is an operator-initiated move, never a
		// worker-driven one. Ticking an errored task here would flap it
		// between error and in_progress forever with no forward progress;
		// it stays parked until Operator.RetryTask restarts it.
		return nil
	case types.TaskStatePending:
		if _, err := c.taskMachine.TransitionTo(ctx, taskID, types.TaskStateInProgress, nil); err != nil {
			var conflict *flowerrors.ConcurrencyConflict
			if !errors.As(err, &conflict) {
				return err
			}
			// Lost the race to start the task to another worker; fall through
			// and keep ticking, the other worker's transition already landed.
		} else {
			c.bus.Publish(Event{
				Topic:  TopicTaskStarted,
				Fields: map[string]any{"task_id": taskID},
			})
		}
	}

	for i := 0; i < c.maxInlineIterations; i++ {
		ready, err := c.discovery.ViableSteps(ctx, nil, taskID)
		if err != nil {
			return err
		}
		if len(ready) > 0 {
			if err := c.executor.RunBatch(ctx, taskID, ready); err != nil {
				return err
			}
		}

		c.bus.Publish(Event{
			Topic:  TopicTaskFinalizationRequested,
			Fields: map[string]any{"task_id": taskID},
		})
		action, err := c.finalizer.Finalize(ctx, nil, taskID)
		if err != nil {
			return err
		}
		if action != readiness.ActionExecuteReadySteps {
			return nil
		}
	}

	log.Warn("finalizer inline-iteration safety counter exhausted", "task_id", taskID, "limit", c.maxInlineIterations)
	return nil
}
