package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Task is one durable unit of work: a DAG of WorkflowSteps materialized from
// a NamedTask template at submission time.
type Task struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	NamedTaskID uuid.UUID `gorm:"column:named_task_id;type:uuid;not null;index" json:"named_task_id"`

	Context datatypes.JSON `gorm:"column:context;type:jsonb" json:"context"`

	// IdentityHash dedupes equivalent submissions; see submission.IdentityHasher.
	IdentityHash string `gorm:"column:identity_hash;not null;uniqueIndex" json:"identity_hash"`

	// Complete mirrors the most-recent TaskTransition's terminal state.
	Complete bool `gorm:"column:complete;not null;default:false;index" json:"complete"`

	Tags         datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	Initiator    string         `gorm:"column:initiator" json:"initiator,omitempty"`
	SourceSystem string         `gorm:"column:source_system" json:"source_system,omitempty"`
	Reason       string         `gorm:"column:reason" json:"reason,omitempty"`
	BypassSteps  datatypes.JSON `gorm:"column:bypass_steps;type:jsonb" json:"bypass_steps,omitempty"`

	// NextAttemptAt backs the DB-polling Reenqueuer: the Finalizer
	// writes it forward when a task is waiting on backoff, and the worker
	// pool's poll query only picks up tasks where this is unset or due.
	NextAttemptAt *time.Time `gorm:"column:next_attempt_at;index" json:"next_attempt_at,omitempty"`

	RequestedAt time.Time `gorm:"column:requested_at;not null;default:now()" json:"requested_at"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Task) TableName() string { return "tasks" }

// NamedTask is a (namespace, name, version) handler binding; the template a
// Task's step graph is materialized from.
type NamedTask struct {
	ID uuid.UUID `gorm:"column:id;type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	Namespace string `gorm:"column:namespace;not null;uniqueIndex:idx_named_task_nnv,priority:1" json:"namespace"`
	Name      string `gorm:"column:name;not null;uniqueIndex:idx_named_task_nnv,priority:2" json:"name"`
	Version   string `gorm:"column:version;not null;uniqueIndex:idx_named_task_nnv,priority:3" json:"version"`

	Configuration datatypes.JSON `gorm:"column:configuration;type:jsonb" json:"configuration,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (NamedTask) TableName() string { return "named_tasks" }
