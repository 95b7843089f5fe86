// Package operator exposes manual, operator-driven overrides: resolving or
// cancelling a stuck step, cancelling a task outright, and flipping a step's
// retryable flag back on after a permanent block. It is a small, dedicated
// surface that writes state directly rather than routing through the worker
// pool.
package operator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/ardenhq/flowengine/internal/data/repos/annotations"
	"github.com/ardenhq/flowengine/internal/data/repos/steps"
	types "github.com/ardenhq/flowengine/internal/domain"
	"github.com/ardenhq/flowengine/internal/orchestrator"
	"github.com/ardenhq/flowengine/internal/platform/dbctx"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

// Operator wires the narrow set of manual overrides a human operator (or an
// automated audit/incident process) may apply outside the normal
// Discovery/Execute/Finalize cycle.
type Operator struct {
	steps       steps.Repo
	stepMachine *orchestrator.StepStateMachine
	taskMachine *orchestrator.TaskStateMachine
	annotations annotations.Repo
	log         *logger.Logger
}

// New builds the operator surface. annotationsRepo may be nil; when set,
// every override also leaves a task annotation for the audit trail.
func New(
	stepsRepo steps.Repo,
	stepMachine *orchestrator.StepStateMachine,
	taskMachine *orchestrator.TaskStateMachine,
	annotationsRepo annotations.Repo,
	baseLog *logger.Logger,
) *Operator {
	return &Operator{
		steps:       stepsRepo,
		stepMachine: stepMachine,
		taskMachine: taskMachine,
		annotations: annotationsRepo,
		log:         baseLog.With("component", "Operator"),
	}
}

// annotate best-effort records an override against the owning task; a
// failed audit write never fails the override itself.
func (o *Operator) annotate(ctx context.Context, taskID uuid.UUID, typeName, value string) {
	if o.annotations == nil || taskID == uuid.Nil {
		return
	}
	annType, err := o.annotations.EnsureType(ctx, nil, typeName)
	if err != nil {
		o.log.Warn("annotation type lookup failed", "task_id", taskID, "type", typeName, "error", err)
		return
	}
	if _, err := o.annotations.Annotate(ctx, nil, taskID, annType.ID, value, "operator"); err != nil {
		o.log.Warn("annotation write failed", "task_id", taskID, "type", typeName, "error", err)
	}
}

// annotateStep resolves the owning task before recording, skipping the
// lookup entirely when no annotations repo is wired.
func (o *Operator) annotateStep(ctx context.Context, stepID uuid.UUID, typeName, value string) {
	if o.annotations == nil {
		return
	}
	step, err := o.steps.GetByID(dbctx.Context{Ctx: ctx}, stepID)
	if err != nil || step == nil {
		return
	}
	o.annotate(ctx, step.TaskID, typeName, value)
}

func reasonMetadata(reason string) datatypes.JSON {
	if reason == "" {
		return nil
	}
	return datatypes.JSON(`{"reason":` + quoteJSON(reason) + `}`)
}

func quoteJSON(s string) string {
	b := []byte{'"'}
	for _, r := range s {
		switch r {
		case '"', '\\':
			b = append(b, '\\', byte(r))
		case '\n':
			b = append(b, '\\', 'n')
		default:
			b = append(b, string(r)...)
		}
	}
	b = append(b, '"')
	return string(b)
}

// ResolveStepManually marks a non-terminal step resolved_manually: processed
// is set true so Discovery never selects it again, and
// the transition log records who/why via metadata.
func (o *Operator) ResolveStepManually(ctx context.Context, stepID uuid.UUID, reason string) error {
	if _, err := o.stepMachine.TransitionTo(ctx, stepID, types.StepStateResolvedManually, reasonMetadata(reason)); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := o.steps.UpdateFields(dbctx.Context{Ctx: ctx}, stepID, map[string]interface{}{
		"processed":    true,
		"processed_at": now,
		"in_process":   false,
	}); err != nil {
		return err
	}
	o.annotateStep(ctx, stepID, "manual_override", "resolved manually: "+reason)
	return nil
}

// CancelStep moves a non-terminal step to cancelled and marks it processed
// so it drops out of Discovery's candidate set.
func (o *Operator) CancelStep(ctx context.Context, stepID uuid.UUID, reason string) error {
	if _, err := o.stepMachine.TransitionTo(ctx, stepID, types.StepStateCancelled, reasonMetadata(reason)); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := o.steps.UpdateFields(dbctx.Context{Ctx: ctx}, stepID, map[string]interface{}{
		"processed":    true,
		"processed_at": now,
		"in_process":   false,
	}); err != nil {
		return err
	}
	o.annotateStep(ctx, stepID, "manual_override", "step cancelled: "+reason)
	return nil
}

// CancelTask moves a task to cancelled. In-flight step handlers are not
// force-killed, and the Executor does not check the task's state when it
// records a handler's outcome: a handler that finishes after the cancel
// still writes its step result and step transition.
func (o *Operator) CancelTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	if _, err := o.taskMachine.TransitionTo(ctx, taskID, types.TaskStateCancelled, reasonMetadata(reason)); err != nil {
		return err
	}
	o.annotate(ctx, taskID, "manual_override", "task cancelled: "+reason)
	return nil
}

// RetryTask moves an errored task back to in_progress so the worker pool's
// poll loop picks it up again. Errored tasks are otherwise parked: the
// Coordinator never restarts one on its own. Pair this with SetRetryable
// (or a raised retry limit) so the retried task actually has eligible
// steps, or it will simply finalize back to error.
func (o *Operator) RetryTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	if _, err := o.taskMachine.TransitionTo(ctx, taskID, types.TaskStateInProgress, reasonMetadata(reason)); err != nil {
		return err
	}
	o.annotate(ctx, taskID, "manual_override", "task retried: "+reason)
	return nil
}

// SetRetryable flips a step's retryable flag. This is how an operator
// recovers a permanently-blocked step: no transition or process restart is
// required, because the Readiness Oracle reads this column fresh on every
// query. If the owning task already finalized to error, follow with
// RetryTask to restart it.
func (o *Operator) SetRetryable(ctx context.Context, stepID uuid.UUID, retryable bool) error {
	return o.steps.UpdateFields(dbctx.Context{Ctx: ctx}, stepID, map[string]interface{}{
		"retryable": retryable,
	})
}

// ClearBackoff removes an explicit backoff request, returning the step to
// the exponential ladder on its next failure.
func (o *Operator) ClearBackoff(ctx context.Context, stepID uuid.UUID) error {
	return o.steps.UpdateFields(dbctx.Context{Ctx: ctx}, stepID, map[string]interface{}{
		"backoff_request_seconds": nil,
	})
}
