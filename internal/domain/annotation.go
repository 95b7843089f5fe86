package domain

import (
	"time"

	"github.com/google/uuid"
)

// AnnotationType enumerates the kinds of operator/audit annotations that can
// be attached to a Task (e.g. "manual_override", "incident_ref").
type AnnotationType struct {
	ID   uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name string    `gorm:"column:name;not null;uniqueIndex" json:"name"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (AnnotationType) TableName() string { return "annotation_types" }

// TaskAnnotation is a free-form, typed note attached to a Task by an operator
// or an automated audit process. Never read by the core scheduling logic.
type TaskAnnotation struct {
	ID               uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID           uuid.UUID `gorm:"column:task_id;type:uuid;not null;index" json:"task_id"`
	AnnotationTypeID uuid.UUID `gorm:"column:annotation_type_id;type:uuid;not null;index" json:"annotation_type_id"`

	Value     string `gorm:"column:value" json:"value,omitempty"`
	CreatedBy string `gorm:"column:created_by" json:"created_by,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
}

func (TaskAnnotation) TableName() string { return "task_annotations" }

// DependentSystemObjectMap records the external object id a DependentSystem
// assigned for a given WorkflowStep's side effect, for reconciliation/audit.
type DependentSystemObjectMap struct {
	ID                uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DependentSystemID uuid.UUID `gorm:"column:dependent_system_id;type:uuid;not null;index" json:"dependent_system_id"`
	WorkflowStepID    uuid.UUID `gorm:"column:workflow_step_id;type:uuid;not null;index" json:"workflow_step_id"`

	ObjectType string `gorm:"column:object_type;not null" json:"object_type"`
	ExternalID string `gorm:"column:external_id;not null" json:"external_id"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (DependentSystemObjectMap) TableName() string { return "dependent_system_object_maps" }
