package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/ardenhq/flowengine/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.TaskNamespace{},
		&types.DependentSystem{},
		&types.AnnotationType{},

		&types.NamedTask{},
		&types.NamedStep{},
		&types.NamedTasksNamedSteps{},

		&types.Task{},
		&types.WorkflowStep{},
		&types.WorkflowStepEdge{},

		&types.TaskTransition{},
		&types.WorkflowStepTransition{},

		&types.TaskAnnotation{},
		&types.DependentSystemObjectMap{},
	)
}

// EnsureTransitionIndexes installs the invariants AutoMigrate's gorm tags
// cannot express: the partial unique index that makes "current state" a
// single-row read, and the edge composite indexes the readiness query's
// dependency join needs to stay O(steps-per-task).
func EnsureTransitionIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_task_transitions_most_recent
		ON task_transitions (task_id)
		WHERE most_recent = true;
	`).Error; err != nil {
		return fmt.Errorf("create idx_task_transitions_most_recent: %w", err)
	}

	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_step_transitions_most_recent
		ON workflow_step_transitions (workflow_step_id)
		WHERE most_recent = true;
	`).Error; err != nil {
		return fmt.Errorf("create idx_workflow_step_transitions_most_recent: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_workflow_step_edges_to_from
		ON workflow_step_edges (to_step_id, from_step_id);
	`).Error; err != nil {
		return fmt.Errorf("create idx_workflow_step_edges_to_from: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_workflow_step_edges_from_to
		ON workflow_step_edges (from_step_id, to_step_id);
	`).Error; err != nil {
		return fmt.Errorf("create idx_workflow_step_edges_from_to: %w", err)
	}

	// Covering index for the Oracle's per-task scan: every column it reads
	// off workflow_steps besides the join key lives in the INCLUDE list so
	// Postgres can satisfy the readiness query from the index alone.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_workflow_steps_task_covering
		ON workflow_steps (task_id)
		INCLUDE (named_step_id, retryable, retry_limit, in_process, processed,
		         attempts, last_attempted_at, backoff_request_seconds);
	`).Error; err != nil {
		return fmt.Errorf("create idx_workflow_steps_task_covering: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_transitions_task_sort_key
		ON task_transitions (task_id, sort_key DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_task_transitions_task_sort_key: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_workflow_step_transitions_step_sort_key
		ON workflow_step_transitions (workflow_step_id, sort_key DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_workflow_step_transitions_step_sort_key: %w", err)
	}

	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureTransitionIndexes(s.db); err != nil {
		s.log.Error("Transition index migration failed", "error", err)
		return err
	}
	return nil
}
