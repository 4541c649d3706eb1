package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phrazzld/queue-api/internal/config"
	"github.com/phrazzld/queue-api/internal/platform/memory"
	"github.com/phrazzld/queue-api/internal/platform/postgres"
	"github.com/phrazzld/queue-api/internal/platform/sqlite"
	"github.com/phrazzld/queue-api/internal/store"
	"github.com/phrazzld/queue-api/internal/task"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	// db is nil when the memory driver is selected.
	db *sql.DB

	taskStore store.TaskStore
	registry  *task.HandlerRegistry
	scheduler *task.Scheduler
	executor  *task.Executor
	runner    *task.Runner
	queue     *task.Queue

	// janitor is nil when no cleanup schedule is configured.
	janitor *task.Janitor
}

// newApplication creates an application instance with all dependencies
// initialized: the store for the configured driver (migrated to the current
// schema), the handler registry, and the scheduler/executor/runner pipeline.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}

	app.registry = task.NewHandlerRegistry()

	app.scheduler = task.NewScheduler(app.taskStore, task.SchedulerConfig{
		BaseRetryDelay: cfg.Queue.BaseRetryDelay(),
		MaxRetryDelay:  cfg.Queue.MaxRetryDelay(),
		MaxAttempts:    cfg.Queue.MaxAttempts,
		MaxRPS:         cfg.Queue.MaxRPS,
	}, logger)

	app.executor = task.NewExecutor(app.taskStore, app.registry, app.scheduler, task.ExecutorConfig{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		StaleTimeout: cfg.Queue.StaleTimeout(),
	}, logger)

	app.runner = task.NewRunner(app.scheduler, app.executor, task.RunnerConfig{
		PollInterval: cfg.Queue.PollInterval(),
		BatchSize:    cfg.Queue.BatchSize,
		StartPaused:  cfg.Queue.Paused,
	}, logger)

	app.queue = task.NewQueue(app.taskStore, app.registry, logger)

	if cfg.Queue.CleanupSchedule != "" {
		janitor, err := task.NewJanitor(
			app.taskStore,
			cfg.Queue.CleanupSchedule,
			cfg.Queue.CleanupMaxAge(),
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create janitor: %w", err)
		}
		app.janitor = janitor
	}

	if err := registerBuiltinHandlers(app.queue); err != nil {
		return nil, fmt.Errorf("failed to register builtin handlers: %w", err)
	}

	logger.Info("Application initialized successfully")
	return app, nil
}

// setupStore opens the configured database (running migrations) and builds
// the matching TaskStore implementation.
func (app *application) setupStore(ctx context.Context) error {
	switch app.config.Database.Driver {
	case "memory":
		app.taskStore = memory.NewMemoryTaskStore()
		app.logger.Info("Using in-memory task store; tasks will not survive a restart")
		return nil
	case "postgres", "sqlite":
		db, err := openDatabase(ctx, app.config, app.logger)
		if err != nil {
			return err
		}
		if err := runMigrations(db, app.config.Database.Driver, app.logger); err != nil {
			_ = db.Close()
			return err
		}
		app.db = db
		if app.config.Database.Driver == "postgres" {
			app.taskStore = postgres.NewPostgresTaskStore(db)
		} else {
			app.taskStore = sqlite.NewSQLiteTaskStore(db)
		}
		return nil
	default:
		return fmt.Errorf("unsupported database driver: %s", app.config.Database.Driver)
	}
}

// registerBuiltinHandlers registers the handlers shipped with the server.
// Real deployments register their own handlers here; echo stays registered
// as a deployment smoke test.
func registerBuiltinHandlers(queue *task.Queue) error {
	return queue.RegisterHandler("echo", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	})
}

// Run starts the worker loop, the janitor, and the HTTP server, and blocks
// until shutdown completes.
func (app *application) Run(ctx context.Context) error {
	app.runner.Start()
	if app.janitor != nil {
		app.janitor.Start()
	}

	router := app.setupRouter()
	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// cleanup handles graceful shutdown of application resources. Stop order
// matters: the runner first so no new claims happen, then the janitor, then
// the database connection both depend on.
func (app *application) cleanup() {
	if app.runner != nil {
		app.runner.Stop()
		app.logger.Info("Worker loop stopped")
	}

	if app.janitor != nil {
		app.janitor.Stop()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Failed to close database connection", slog.String("error", err.Error()))
		} else {
			app.logger.Info("Database connection closed")
		}
	}
}
