// Package orchestrator wires the readiness oracle, execution context
// aggregator, state machines, step discovery, executor, finalizer,
// reenqueuer, and event bus into the Coordinator's ProcessTask tick.
package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/ardenhq/flowengine/internal/domain"
	flowerrors "github.com/ardenhq/flowengine/internal/errors"
	"github.com/ardenhq/flowengine/internal/data/repos/transitions"
	"github.com/ardenhq/flowengine/internal/platform/dbctx"
)

var legalStepTransitions = map[string]map[string]bool{
	types.StepStatePending: {
		types.StepStateInProgress:       true,
		types.StepStateCancelled:        true,
		types.StepStateResolvedManually: true,
	},
	types.StepStateInProgress: {
		types.StepStateComplete:        true,
		types.StepStateError:           true,
		types.StepStateCancelled:       true,
		types.StepStateResolvedManually: true,
	},
	types.StepStateError: {
		types.StepStateInProgress:       true,
		types.StepStateCancelled:        true,
		types.StepStateResolvedManually: true,
	},
}

var legalTaskTransitions = map[string]map[string]bool{
	types.TaskStatePending: {
		types.TaskStateInProgress: true,
	},
	types.TaskStateInProgress: {
		types.TaskStateComplete:  true,
		types.TaskStateError:     true,
		types.TaskStateCancelled: true,
	},
	types.TaskStateError: {
		types.TaskStateInProgress: true,
	},
}

// StepStateMachine enforces the legal-transition table for WorkflowSteps
// and writes every move through the transition log.
type StepStateMachine struct {
	transitions transitions.Repo
}

func NewStepStateMachine(t transitions.Repo) *StepStateMachine {
	return &StepStateMachine{transitions: t}
}

// Current reads stepID's most-recent transition state without moving it.
func (m *StepStateMachine) Current(ctx context.Context, stepID uuid.UUID) (string, error) {
	return m.transitions.CurrentStepState(dbctx.Context{Ctx: ctx}, stepID)
}

// TransitionTo moves stepID from its current most-recent state to next,
// raising *errors.InvalidStateTransition if the edge is not in the legal
// table. metadata is attached to the transition row as-is.
func (m *StepStateMachine) TransitionTo(ctx context.Context, stepID uuid.UUID, next string, metadata datatypes.JSON) (*types.WorkflowStepTransition, error) {
	dbc := dbctx.Context{Ctx: ctx}
	current, err := m.transitions.CurrentStepState(dbc, stepID)
	if err != nil {
		return nil, err
	}
	if !legalStepTransitions[current][next] {
		return nil, &flowerrors.InvalidStateTransition{
			EntityKind: "workflow_step",
			EntityID:   stepID.String(),
			From:       current,
			To:         next,
		}
	}
	return m.transitions.AppendStep(dbc, stepID, current, next, metadata)
}

// TaskStateMachine enforces the legal-transition table for Tasks.
type TaskStateMachine struct {
	transitions transitions.Repo
}

func NewTaskStateMachine(t transitions.Repo) *TaskStateMachine {
	return &TaskStateMachine{transitions: t}
}

// Current reads taskID's most-recent transition state without moving it.
func (m *TaskStateMachine) Current(ctx context.Context, taskID uuid.UUID) (string, error) {
	return m.transitions.CurrentTaskState(dbctx.Context{Ctx: ctx}, taskID)
}

func (m *TaskStateMachine) TransitionTo(ctx context.Context, taskID uuid.UUID, next string, metadata datatypes.JSON) (*types.TaskTransition, error) {
	dbc := dbctx.Context{Ctx: ctx}
	current, err := m.transitions.CurrentTaskState(dbc, taskID)
	if err != nil {
		return nil, err
	}
	if !legalTaskTransitions[current][next] {
		return nil, &flowerrors.InvalidStateTransition{
			EntityKind: "task",
			EntityID:   taskID.String(),
			From:       current,
			To:         next,
		}
	}
	return m.transitions.AppendTask(dbc, taskID, current, next, metadata)
}
