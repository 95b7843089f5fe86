package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// WorkflowStep is one node of a Task's materialized DAG.
//
// Current state is never stored directly here; it is derived by reading the
// step's most-recent WorkflowStepTransition (see the transitions repo and the
// readiness Oracle). The fields below are the mutable runtime bookkeeping the
// Oracle and Executor read/write outside of the transition log.
type WorkflowStep struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID      uuid.UUID `gorm:"column:task_id;type:uuid;not null;uniqueIndex:idx_workflow_step_task_named_step,priority:1" json:"task_id"`
	NamedStepID uuid.UUID `gorm:"column:named_step_id;type:uuid;not null;uniqueIndex:idx_workflow_step_task_named_step,priority:2" json:"named_step_id"`

	Retryable  *bool `gorm:"column:retryable" json:"retryable,omitempty"`
	RetryLimit *int  `gorm:"column:retry_limit" json:"retry_limit,omitempty"`
	Skippable  bool  `gorm:"column:skippable;not null;default:false" json:"skippable"`

	InProcess bool `gorm:"column:in_process;not null;default:false" json:"in_process"`
	Processed bool `gorm:"column:processed;not null;default:false;index" json:"processed"`

	ProcessedAt     *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
	Attempts        *int       `gorm:"column:attempts" json:"attempts,omitempty"`
	LastAttemptedAt *time.Time `gorm:"column:last_attempted_at" json:"last_attempted_at,omitempty"`

	// BackoffRequestSeconds is set by the Executor when a handler's error
	// carries an explicit backoff; it overrides the exponential ladder.
	BackoffRequestSeconds *int `gorm:"column:backoff_request_seconds" json:"backoff_request_seconds,omitempty"`

	Inputs  datatypes.JSON `gorm:"column:inputs;type:jsonb" json:"inputs,omitempty"`
	Results datatypes.JSON `gorm:"column:results;type:jsonb" json:"results,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (WorkflowStep) TableName() string { return "workflow_steps" }

// WorkflowStepEdge is a directed, named dependency edge within one Task's DAG.
type WorkflowStepEdge struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID     uuid.UUID `gorm:"column:task_id;type:uuid;not null;index" json:"task_id"`
	Name       string    `gorm:"column:name" json:"name,omitempty"`
	FromStepID uuid.UUID `gorm:"column:from_step_id;type:uuid;not null;uniqueIndex:idx_workflow_step_edge_from_to,priority:1" json:"from_step_id"`
	ToStepID   uuid.UUID `gorm:"column:to_step_id;type:uuid;not null;uniqueIndex:idx_workflow_step_edge_from_to,priority:2" json:"to_step_id"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (WorkflowStepEdge) TableName() string { return "workflow_step_edges" }
