package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskNamespace groups NamedTasks sharing an owning namespace (e.g. a team or
// product area), used for lookup scoping and reporting breakdowns.
type TaskNamespace struct {
	ID   uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name string    `gorm:"column:name;not null;uniqueIndex" json:"name"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (TaskNamespace) TableName() string { return "task_namespaces" }
