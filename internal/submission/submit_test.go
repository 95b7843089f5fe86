package submission

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ardenhq/flowengine/internal/data/repos/catalog"
	"github.com/ardenhq/flowengine/internal/data/repos/tasks"
	"github.com/ardenhq/flowengine/internal/data/repos/transitions"
	types "github.com/ardenhq/flowengine/internal/domain"
	flowerrors "github.com/ardenhq/flowengine/internal/errors"
	"github.com/ardenhq/flowengine/internal/platform/dbctx"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

type stubHasher struct{ hash string }

func (s stubHasher) Hash(in IdentityInput) (string, error) { return s.hash, nil }

type stubTasksRepo struct {
	tasks.Repo
	byHash map[string]*types.Task
}

func (s *stubTasksRepo) GetByIdentityHash(ctx context.Context, tx *gorm.DB, hash string) (*types.Task, error) {
	return s.byHash[hash], nil
}

type stubTransitionsRepo struct {
	transitions.Repo
	taskState map[uuid.UUID]string
}

func (s *stubTransitionsRepo) CurrentTaskState(dbc dbctx.Context, taskID uuid.UUID) (string, error) {
	if st, ok := s.taskState[taskID]; ok {
		return st, nil
	}
	return types.TaskStatePending, nil
}

type stubCatalogRepo struct {
	catalog.Repo
	namedTask *types.NamedTask
	bindings  []*types.NamedTasksNamedSteps
}

func (s *stubCatalogRepo) GetNamedTaskByNNV(ctx context.Context, tx *gorm.DB, namespace, name, version string) (*types.NamedTask, error) {
	return s.namedTask, nil
}

func (s *stubCatalogRepo) ListBindingsForNamedTask(ctx context.Context, tx *gorm.DB, namedTaskID uuid.UUID) ([]*types.NamedTasksNamedSteps, error) {
	return s.bindings, nil
}

func submitLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func newTestSubmitter(t *testing.T, tasksRepo tasks.Repo, catalogRepo catalog.Repo, transitionsRepo transitions.Repo) *Submitter {
	t.Helper()
	return NewSubmitter(nil, tasksRepo, nil, nil, catalogRepo, transitionsRepo, stubHasher{hash: "h1"}, nil, nil, submitLogger(t))
}

func TestSubmitTask_RequiresNameTriple(t *testing.T) {
	s := newTestSubmitter(t, &stubTasksRepo{}, &stubCatalogRepo{}, &stubTransitionsRepo{})

	_, err := s.SubmitTask(context.Background(), SubmitTaskInput{Name: "charge"})
	require.Error(t, err)
	var verr *flowerrors.ValidationError
	assert.True(t, errors.As(err, &verr), "expected *ValidationError, got %T", err)
}

func TestSubmitTask_DedupesNonTerminalTask(t *testing.T) {
	existing := &types.Task{ID: uuid.New(), IdentityHash: "h1"}
	tasksRepo := &stubTasksRepo{byHash: map[string]*types.Task{"h1": existing}}
	transitionsRepo := &stubTransitionsRepo{taskState: map[uuid.UUID]string{existing.ID: types.TaskStateInProgress}}
	s := newTestSubmitter(t, tasksRepo, &stubCatalogRepo{}, transitionsRepo)

	got, err := s.SubmitTask(context.Background(), SubmitTaskInput{Namespace: "billing", Name: "charge", Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got, "identical submission must return the existing task id")
}

func TestSubmitTask_TerminalTaskDoesNotDedupe(t *testing.T) {
	existing := &types.Task{ID: uuid.New(), IdentityHash: "h1"}
	tasksRepo := &stubTasksRepo{byHash: map[string]*types.Task{"h1": existing}}
	transitionsRepo := &stubTransitionsRepo{taskState: map[uuid.UUID]string{existing.ID: types.TaskStateComplete}}
	// No named task registered: falling through the dedup check must surface
	// the template lookup failure, proving a completed task was not reused.
	s := newTestSubmitter(t, tasksRepo, &stubCatalogRepo{}, transitionsRepo)

	_, err := s.SubmitTask(context.Background(), SubmitTaskInput{Namespace: "billing", Name: "charge", Version: "1.0.0"})
	require.Error(t, err)
	var verr *flowerrors.ValidationError
	assert.True(t, errors.As(err, &verr), "expected *ValidationError, got %T", err)
}

func TestSubmitTask_UnknownNamedTaskFailsValidation(t *testing.T) {
	s := newTestSubmitter(t, &stubTasksRepo{}, &stubCatalogRepo{}, &stubTransitionsRepo{})

	_, err := s.SubmitTask(context.Background(), SubmitTaskInput{Namespace: "billing", Name: "missing", Version: "9.9.9"})
	require.Error(t, err)
	var verr *flowerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "name", verr.Field)
}

func TestSubmitTask_NamedTaskWithoutBindingsFailsValidation(t *testing.T) {
	catalogRepo := &stubCatalogRepo{namedTask: &types.NamedTask{ID: uuid.New(), Namespace: "billing", Name: "charge", Version: "1.0.0"}}
	s := newTestSubmitter(t, &stubTasksRepo{}, catalogRepo, &stubTransitionsRepo{})

	_, err := s.SubmitTask(context.Background(), SubmitTaskInput{Namespace: "billing", Name: "charge", Version: "1.0.0"})
	require.Error(t, err)
	var verr *flowerrors.ValidationError
	assert.True(t, errors.As(err, &verr), "expected *ValidationError, got %T", err)
}
