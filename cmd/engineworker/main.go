// Command engineworker boots the database, handler registry, every
// orchestration component, and the SQL-backed worker pool that
// drives Coordinator.ProcessTask for due tasks. This is the process a
// deployment runs continuously; submit_task calls arrive through whatever
// API layer a caller wires in front of submission.Submitter.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardenhq/flowengine/internal/data/db"
	"github.com/ardenhq/flowengine/internal/data/repos/annotations"
	"github.com/ardenhq/flowengine/internal/data/repos/catalog"
	"github.com/ardenhq/flowengine/internal/data/repos/edges"
	"github.com/ardenhq/flowengine/internal/data/repos/readiness"
	"github.com/ardenhq/flowengine/internal/data/repos/reporting"
	"github.com/ardenhq/flowengine/internal/data/repos/steps"
	"github.com/ardenhq/flowengine/internal/data/repos/tasks"
	"github.com/ardenhq/flowengine/internal/data/repos/transitions"
	"github.com/ardenhq/flowengine/internal/operator"
	"github.com/ardenhq/flowengine/internal/orchestrator"
	"github.com/ardenhq/flowengine/internal/platform/config"
	"github.com/ardenhq/flowengine/internal/platform/logger"
	"github.com/ardenhq/flowengine/internal/runtime"
	"github.com/ardenhq/flowengine/internal/submission"
	"github.com/ardenhq/flowengine/internal/template"
	"github.com/ardenhq/flowengine/internal/worker"
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

	// The operator and submission surfaces belong to whatever API layer a
	// deployment puts in front of this process; they are wired here so that
	// layer only has to expose them.
	_ = operator.New(stepsRepo, stepMachine, taskMachine, annotations.New(gdb, log), log)

	hasher := submission.NewDefaultIdentityHasher()
	_ = submission.NewSubmitter(gdb, tasksRepo, stepsRepo, edgesRepo, catalogRepo, transitionsRepo, hasher, cfg.IdentityFields, coordinator, log)
	_ = template.NewInstaller(gdb, catalogRepo, log)

	pool := worker.NewPool(tasksRepo, coordinator, log, cfg.WorkerPoolSize, 0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	go logSystemHealth(ctx, reporting.New(gdb), log)
	log.Info("engineworker running")
	<-ctx.Done()
	log.Info("engineworker shutting down")
}

// logSystemHealth periodically snapshots the system-wide health counts so a
// deployment without a dashboard still sees blocked/error totals in its logs.
func logSystemHealth(ctx context.Context, reports reporting.Repo, log *logger.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := reports.SystemHealthCounts(ctx, nil)
			if err != nil {
				log.Warn("system health snapshot failed", "error", err)
				continue
			}
			log.Info("system health",
				"tasks_pending", counts.Pending,
				"tasks_in_progress", counts.InProgress,
				"tasks_complete", counts.Complete,
				"tasks_error", counts.Error,
				"tasks_cancelled", counts.Cancelled,
				"steps_permanently_blocked", counts.PermanentlyBlocked,
			)
		}
	}
}
