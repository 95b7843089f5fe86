package domain

import (
	"time"

	"github.com/google/uuid"
)

// DependentSystem names an external system a NamedStep's handler concerns
// (e.g. "billing", "email"), used purely for audit/observability grouping.
type DependentSystem struct {
	ID   uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name string    `gorm:"column:name;not null;uniqueIndex" json:"name"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (DependentSystem) TableName() string { return "dependent_systems" }

// NamedStep is a reusable step definition, unique per (dependent_system, name).
type NamedStep struct {
	ID                 uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DependentSystemID  uuid.UUID `gorm:"column:dependent_system_id;type:uuid;not null;uniqueIndex:idx_named_step_system_name,priority:1" json:"dependent_system_id"`
	Name               string    `gorm:"column:name;not null;uniqueIndex:idx_named_step_system_name,priority:2" json:"name"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (NamedStep) TableName() string { return "named_steps" }

// NamedTasksNamedSteps links a NamedTask to a NamedStep, carrying per-task-step
// defaults and the template's dependency edges (as an ordered list of
// dependency NamedStep ids), used to materialize WorkflowStepEdge rows when a
// Task is created from the template.
type NamedTasksNamedSteps struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	NamedTaskID uuid.UUID `gorm:"column:named_task_id;type:uuid;not null;uniqueIndex:idx_ntns_task_step,priority:1" json:"named_task_id"`
	NamedStepID uuid.UUID `gorm:"column:named_step_id;type:uuid;not null;uniqueIndex:idx_ntns_task_step,priority:2" json:"named_step_id"`

	Skippable         bool `gorm:"column:skippable;not null;default:false" json:"skippable"`
	DefaultRetryable   bool `gorm:"column:default_retryable;not null;default:true" json:"default_retryable"`
	DefaultRetryLimit *int `gorm:"column:default_retry_limit" json:"default_retry_limit,omitempty"`

	// DependsOnNamedStepIDs lists the NamedStep ids this step waits on within
	// the template; Task creation turns these into WorkflowStepEdge rows.
	DependsOnNamedStepIDs []uuid.UUID `gorm:"column:depends_on_named_step_ids;type:jsonb;serializer:json" json:"depends_on_named_step_ids,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (NamedTasksNamedSteps) TableName() string { return "named_tasks_named_steps" }
