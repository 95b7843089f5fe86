package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ardenhq/flowengine/internal/data/repos/tasks"
	types "github.com/ardenhq/flowengine/internal/domain"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

type stubDueTasks struct {
	tasks.Repo
	due []*types.Task
}

func (s *stubDueTasks) ListDue(ctx context.Context, tx *gorm.DB, limit int) ([]*types.Task, error) {
	return s.due, nil
}

// blockingCoordinator parks inside ProcessTask until released so the test
// can observe the pool's in-flight de-duplication across poll rounds.
type blockingCoordinator struct {
	started chan uuid.UUID
	release chan struct{}
	count   int32
}

func (c *blockingCoordinator) ProcessTask(ctx context.Context, taskID uuid.UUID) error {
	atomic.AddInt32(&c.count, 1)
	c.started <- taskID
	<-c.release
	return nil
}

func workerLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestPool_DispatchesDueTaskExactlyOnceWhileInFlight(t *testing.T) {
	task := &types.Task{ID: uuid.New()}
	repo := &stubDueTasks{due: []*types.Task{task}}
	coord := &blockingCoordinator{started: make(chan uuid.UUID, 1), release: make(chan struct{})}
	pool := NewPool(repo, coord, workerLogger(t), 2, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	select {
	case got := <-coord.started:
		if got != task.ID {
			t.Fatalf("expected task %s dispatched, got %s", task.ID, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected the due task to be dispatched within the poll interval")
	}

	// Two more poll rounds pass while ProcessTask is still parked; the
	// in-flight guard must keep the task from being handed out again.
	time.Sleep(2200 * time.Millisecond)
	if n := atomic.LoadInt32(&coord.count); n != 1 {
		t.Fatalf("expected exactly one in-flight dispatch, got %d", n)
	}

	close(coord.release)
}

func TestPool_StopsOnContextCancellation(t *testing.T) {
	repo := &stubDueTasks{}
	coord := &blockingCoordinator{started: make(chan uuid.UUID, 1), release: make(chan struct{})}
	pool := NewPool(repo, coord, workerLogger(t), 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	cancel()

	// No dispatches happen after cancellation; give the loops a moment to
	// observe ctx.Done and exit.
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&coord.count); n != 0 {
		t.Fatalf("expected no dispatches with nothing due, got %d", n)
	}
}
