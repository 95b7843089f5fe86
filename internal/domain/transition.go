package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Step and task lifecycle states.
const (
	StepStatePending          = "pending"
	StepStateInProgress       = "in_progress"
	StepStateComplete         = "complete"
	StepStateError            = "error"
	StepStateResolvedManually = "resolved_manually"
	StepStateCancelled        = "cancelled"

	TaskStatePending    = "pending"
	TaskStateInProgress = "in_progress"
	TaskStateComplete   = "complete"
	TaskStateError      = "error"
	TaskStateCancelled  = "cancelled"
)

// TaskTransition is one append-only row in a Task's transition history.
// Exactly one row per task has MostRecent = true; see the transitions repo.
type TaskTransition struct {
	ID      uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID  uuid.UUID `gorm:"column:task_id;type:uuid;not null;uniqueIndex:idx_task_transition_task_sort_key,priority:1" json:"task_id"`
	SortKey int64     `gorm:"column:sort_key;type:bigint;not null;uniqueIndex:idx_task_transition_task_sort_key,priority:2" json:"sort_key"`

	FromState string         `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState   string         `gorm:"column:to_state;not null" json:"to_state"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	MostRecent bool `gorm:"column:most_recent;not null;default:true" json:"most_recent"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
}

func (TaskTransition) TableName() string { return "task_transitions" }

// WorkflowStepTransition is one append-only row in a WorkflowStep's transition
// history. Same invariants as TaskTransition, scoped to workflow_step_id.
type WorkflowStepTransition struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	WorkflowStepID uuid.UUID `gorm:"column:workflow_step_id;type:uuid;not null;uniqueIndex:idx_wf_step_transition_step_sort_key,priority:1" json:"workflow_step_id"`
	SortKey        int64     `gorm:"column:sort_key;type:bigint;not null;uniqueIndex:idx_wf_step_transition_step_sort_key,priority:2" json:"sort_key"`

	FromState string         `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState   string         `gorm:"column:to_state;not null" json:"to_state"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	MostRecent bool `gorm:"column:most_recent;not null;default:true" json:"most_recent"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
}

func (WorkflowStepTransition) TableName() string { return "workflow_step_transitions" }
