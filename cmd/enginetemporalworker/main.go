// Command enginetemporalworker runs the Temporal-backed variant of the
// engine: instead of the SQL poll loop, a Temporal workflow per task drives
// Coordinator.ProcessTask ticks, with workflow.Sleep standing in for the
// database Reenqueuer's next_attempt_at column. Deployments that already
// operate Temporal get durable cross-process timers this way; everything
// below the Coordinator is identical to engineworker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardenhq/flowengine/internal/data/db"
	"github.com/ardenhq/flowengine/internal/data/repos/catalog"
	"github.com/ardenhq/flowengine/internal/data/repos/edges"
	"github.com/ardenhq/flowengine/internal/data/repos/readiness"
	"github.com/ardenhq/flowengine/internal/data/repos/steps"
	"github.com/ardenhq/flowengine/internal/data/repos/tasks"
	"github.com/ardenhq/flowengine/internal/data/repos/transitions"
	"github.com/ardenhq/flowengine/internal/orchestrator"
	"github.com/ardenhq/flowengine/internal/platform/config"
	"github.com/ardenhq/flowengine/internal/platform/logger"
	"github.com/ardenhq/flowengine/internal/runtime"
	"github.com/ardenhq/flowengine/internal/temporalx"
	"github.com/ardenhq/flowengine/internal/temporalx/taskrun"
	"github.com/ardenhq/flowengine/internal/temporalx/temporalworker"
)

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		panic(err)
	}
	cfg := config.Load()

	svc, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("connect to postgres", "error", err)
	}
	if err := svc.AutoMigrateAll(); err != nil {
		log.Fatal("migrate", "error", err)
	}
	gdb := svc.DB()

	tasksRepo := tasks.New(gdb, log)
	stepsRepo := steps.New(gdb, log)
	edgesRepo := edges.New(gdb, log)
	catalogRepo := catalog.New(gdb, log)
	transitionsRepo := transitions.New(gdb, log)
	oracle := readiness.NewOracle(gdb, log)
	aggregator := readiness.NewAggregator(oracle, gdb)

	registry := runtime.NewRegistry()
	// Deployment-specific handlers register here, e.g.:
	//   registry.Register(myhandler.New())

	stepMachine := orchestrator.NewStepStateMachine(transitionsRepo)
	taskMachine := orchestrator.NewTaskStateMachine(transitionsRepo)
	bus := orchestrator.NewEventBus()
	discovery := orchestrator.NewDiscovery(oracle, bus)
	executor := orchestrator.NewExecutor(gdb, tasksRepo, stepsRepo, edgesRepo, catalogRepo, stepMachine, registry, bus, log, cfg.WorkerPoolSize)
	reenqueuer := orchestrator.NewDBReenqueuer(tasksRepo, log)
	finalizer := orchestrator.NewFinalizer(aggregator, taskMachine, tasksRepo, reenqueuer, bus,
		log,
		time.Duration(cfg.ReenqueueMinDelaySeconds)*time.Second,
		time.Duration(cfg.ReenqueueMaxDelaySeconds)*time.Second)
	coordinator := orchestrator.NewCoordinator(taskMachine, discovery, executor, finalizer, bus, log, cfg.FinalizerMaxInlineIterations)

	tc, err := temporalx.NewClient(log)
	if err != nil {
		log.Fatal("connect to temporal", "error", err)
	}
	defer tc.Close()

	acts := &taskrun.Activities{
		Log:         log,
		Coordinator: coordinator,
		TaskState:   taskMachine,
		Aggregator:  aggregator,
	}
	runner, err := temporalworker.NewRunner(log, tc, acts)
	if err != nil {
		log.Fatal("build temporal worker", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx); err != nil {
		log.Fatal("start temporal worker", "error", err)
	}
	log.Info("enginetemporalworker running")
	<-ctx.Done()
	log.Info("enginetemporalworker shutting down")
}
