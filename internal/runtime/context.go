package runtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/ardenhq/flowengine/internal/domain"
)

// Context is the handle a handler's Run receives: the task's context blob,
// this step's inputs, and the already-collected results of its parent
// steps. It carries no store handle; handlers are opaque, synchronous calls
// whose only visible effect is their return value or error, and all state
// writes happen in the Executor after Run returns.
type Context struct {
	Ctx context.Context

	TaskID uuid.UUID
	StepID uuid.UUID

	TaskContext   datatypes.JSON
	StepInputs    datatypes.JSON
	ParentResults map[string]datatypes.JSON
}

func NewContext(ctx context.Context, task *domain.Task, step *domain.WorkflowStep, parentResults map[string]datatypes.JSON) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Context{Ctx: ctx, ParentResults: parentResults}
	if task != nil {
		c.TaskID = task.ID
		c.TaskContext = task.Context
	}
	if step != nil {
		c.StepID = step.ID
		c.StepInputs = step.Inputs
	}
	if c.ParentResults == nil {
		c.ParentResults = map[string]datatypes.JSON{}
	}
	return c
}

// DecodeTaskContext unmarshals the task's context blob into v.
func (c *Context) DecodeTaskContext(v any) error {
	if c == nil || len(c.TaskContext) == 0 {
		return nil
	}
	return json.Unmarshal(c.TaskContext, v)
}

// DecodeStepInputs unmarshals this step's inputs into v.
func (c *Context) DecodeStepInputs(v any) error {
	if c == nil || len(c.StepInputs) == 0 {
		return nil
	}
	return json.Unmarshal(c.StepInputs, v)
}

// ParentResult returns the raw result blob of a named parent step, if any.
func (c *Context) ParentResult(name string) (datatypes.JSON, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.ParentResults[name]
	return v, ok
}
