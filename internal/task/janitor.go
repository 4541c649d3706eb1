package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/queue-api/internal/store"
	"github.com/robfig/cron/v3"
)

// Janitor periodically purges terminal tasks older than a configured
// completion age, on a cron schedule. Without it the tasks table grows
// unboundedly; with it, success/failed rows survive long enough for
// debugging and then disappear.
type Janitor struct {
	store  store.TaskStore
	cron   *cron.Cron
	maxAge time.Duration
	logger *slog.Logger
}

// NewJanitor creates a Janitor that runs cleanup on the given cron schedule
// (six-field expression with seconds, e.g. "0 */10 * * * *" for every ten
// minutes). Terminal tasks completed more than maxAge ago are purged.
func NewJanitor(
	taskStore store.TaskStore,
	schedule string,
	maxAge time.Duration,
	logger *slog.Logger,
) (*Janitor, error) {
	j := &Janitor{
		store:  taskStore,
		cron:   cron.New(cron.WithSeconds()),
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "janitor")),
	}

	if _, err := j.cron.AddFunc(schedule, j.runCleanup); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins the cron schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started", slog.Duration("max_age", j.maxAge))
}

// Stop halts the schedule, waiting for an in-flight cleanup to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// runCleanup is one scheduled purge pass.
func (j *Janitor) runCleanup() {
	ctx := context.Background()

	count, err := j.store.CleanupOldTasks(ctx, j.maxAge)
	if err != nil {
		j.logger.Error("task cleanup failed", slog.String("error", err.Error()))
		return
	}
	if count > 0 {
		j.logger.Info("purged old terminal tasks", slog.Int64("count", count))
	}
}
