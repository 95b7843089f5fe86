// Package worker is the SQL-backed polling loop that drives Coordinator
// ticks for due tasks, the database-polling Reenqueuer backend. Start
// spawns a poll loop feeding a configurable number of dispatch goroutines,
// wrapped in panic recovery so one bad tick never takes the whole pool
// down.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ardenhq/flowengine/internal/data/repos/tasks"
	"github.com/ardenhq/flowengine/internal/orchestrator"
	"github.com/ardenhq/flowengine/internal/platform/ctxutil"
	"github.com/ardenhq/flowengine/internal/platform/envutil"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

// Coordinator is the narrow surface the worker pool drives. Satisfied by
// *orchestrator.Coordinator.
type Coordinator interface {
	ProcessTask(ctx context.Context, taskID uuid.UUID) error
}

var _ Coordinator = (*orchestrator.Coordinator)(nil)

// Pool polls tasks.Repo.ListDue and fans out ProcessTask calls across a
// fixed number of goroutines. It is infrastructure only: all orchestration
// logic lives in the Coordinator, the pool just keeps calling it.
type Pool struct {
	tasks       tasks.Repo
	coordinator Coordinator
	log         *logger.Logger

	concurrency int
	pollEvery   time.Duration
	batchSize   int

	inFlight sync.Map // taskID -> struct{}, de-dupes a task across concurrent claim rounds
}

func NewPool(tasksRepo tasks.Repo, coordinator Coordinator, baseLog *logger.Logger, concurrency, batchSize int) *Pool {
	if concurrency < 1 {
		concurrency = envutil.Int("WORKER_CONCURRENCY", 4)
	}
	if batchSize < 1 {
		batchSize = 50
	}
	return &Pool{
		tasks:       tasksRepo,
		coordinator: coordinator,
		log:         baseLog.With("component", "WorkerPool"),
		concurrency: concurrency,
		pollEvery:   1 * time.Second,
		batchSize:   batchSize,
	}
}

// Start launches the poll loop across a pool of goroutines and returns
// immediately. Each goroutine ticks independently; the shared queue channel
// ensures a claimed task is only handed to one goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("starting task worker pool", "concurrency", p.concurrency)
	queue := make(chan uuid.UUID, p.batchSize)

	go p.pollLoop(ctx, queue)
	for i := 0; i < p.concurrency; i++ {
		go p.dispatchLoop(ctx, i+1, queue)
	}
}

func (p *Pool) pollLoop(ctx context.Context, queue chan<- uuid.UUID) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := p.tasks.ListDue(ctx, nil, p.batchSize)
			if err != nil {
				p.log.Warn("ListDue failed", "error", err)
				continue
			}
			for _, t := range due {
				if _, loaded := p.inFlight.LoadOrStore(t.ID, struct{}{}); loaded {
					continue
				}
				select {
				case queue <- t.ID:
				case <-ctx.Done():
					return
				default:
					// queue full this tick; drop and pick the task back up next poll
					p.inFlight.Delete(t.ID)
				}
			}
		}
	}
}

func (p *Pool) dispatchLoop(ctx context.Context, workerID int, queue <-chan uuid.UUID) {
	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case taskID := <-queue:
			p.process(ctx, workerID, taskID)
			p.inFlight.Delete(taskID)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, taskID uuid.UUID) {
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{TraceID: uuid.NewString()})
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("ProcessTask panic", "worker_id", workerID, "task_id", taskID, "panic", r)
		}
	}()
	if err := p.coordinator.ProcessTask(ctx, taskID); err != nil {
		p.log.Warn("ProcessTask failed", "worker_id", workerID, "task_id", taskID, "error", err)
	}
}
