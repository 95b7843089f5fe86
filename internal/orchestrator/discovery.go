package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ardenhq/flowengine/internal/data/repos/readiness"
)

// Discovery asks the Oracle for the ready set and publishes the outcome,
// leaving the Finalizer to decide what happens next.
type Discovery struct {
	oracle readiness.Oracle
	bus    *EventBus
}

func NewDiscovery(oracle readiness.Oracle, bus *EventBus) *Discovery {
	return &Discovery{oracle: oracle, bus: bus}
}

// ViableSteps returns the workflow_step_ids with ready_for_execution = true
// and publishes workflow.viable_steps_discovered (and workflow.no_viable_steps
// when the list is empty) on the bus.
func (d *Discovery) ViableSteps(ctx context.Context, tx *gorm.DB, taskID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := d.oracle.ReadinessFor(ctx, tx, taskID, nil)
	if err != nil {
		return nil, err
	}

	var ready []uuid.UUID
	for _, row := range rows {
		if row.ReadyForExecution {
			ready = append(ready, row.WorkflowStepID)
		}
	}

	d.bus.Publish(Event{
		Topic: TopicViableStepsDiscovered,
		Fields: map[string]any{
			"task_id":  taskID,
			"step_ids": ready,
		},
	})
	if len(ready) == 0 {
		d.bus.Publish(Event{
			Topic:  TopicNoViableSteps,
			Fields: map[string]any{"task_id": taskID},
		})
	}
	return ready, nil
}
