package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/queue-api/internal/domain"
	"github.com/phrazzld/queue-api/internal/redact"
	"github.com/phrazzld/queue-api/internal/store"
)

// staleRecoveryError is the error text written when stale-worker recovery
// reclassifies an abandoned in-progress task.
const staleRecoveryError = "stale task recovery: worker exceeded claim timeout"

// ExecutorConfig holds the execution-policy settings.
type ExecutorConfig struct {
	// MaxAttempts is the attempt budget before a failed task becomes
	// terminal. If zero or negative, defaults to 5.
	MaxAttempts int

	// StaleTimeout is how long an in-progress task may go without a write
	// before RecoverStaleTasks reclassifies it. If zero, defaults to 5 minutes.
	StaleTimeout time.Duration
}

// DefaultExecutorConfig returns an ExecutorConfig with reasonable defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts:  5,
		StaleTimeout: 5 * time.Minute,
	}
}

// ExecutionResult reports the outcome of one ExecuteTask call.
type ExecutionResult struct {
	// Success is true when the handler completed and the success write landed.
	Success bool

	// Output is the handler's result payload on success, or the cached
	// output when the task had already succeeded.
	Output json.RawMessage

	// Error is the failure description when Success is false.
	Error string

	// ShouldRetry is true when the task will become claim-eligible again
	// after its computed run_after elapses.
	ShouldRetry bool
}

// Executor performs safe, exactly-once-per-attempt execution of a task's
// registered handler. All coordination with concurrent workers goes through
// the store's versioned compare-and-swap; a lost race at any step abandons
// the attempt without error.
//
// Handler failures are fully contained: they are recorded on the task row
// and never propagate to the caller. Only store failures escape, since no
// queue operation is meaningful without the store.
type Executor struct {
	store     store.TaskStore
	registry  *HandlerRegistry
	scheduler *Scheduler
	cfg       ExecutorConfig
	logger    *slog.Logger
}

// NewExecutor creates an Executor over the given store and registry.
func NewExecutor(
	taskStore store.TaskStore,
	registry *HandlerRegistry,
	scheduler *Scheduler,
	cfg ExecutorConfig,
	logger *slog.Logger,
) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 5 * time.Minute
	}

	return &Executor{
		store:     taskStore,
		registry:  registry,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "executor")),
	}
}

// ExecuteTask claims the task via optimistic locking, runs its handler, and
// records the outcome. The returned error is non-nil only for store
// failures; every task-level outcome (not found, conflict, handler error,
// attempt budget exhausted) is reported through the ExecutionResult.
func (e *Executor) ExecuteTask(ctx context.Context, id uuid.UUID) (*ExecutionResult, error) {
	log := e.logger.With(slog.String("task_id", id.String()))

	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			log.Warn("task not found")
			return &ExecutionResult{Error: "task not found"}, nil
		}
		return nil, fmt.Errorf("failed to fetch task: %w", err)
	}
	log = log.With(slog.String("task_type", task.Type))

	// Idempotent re-check: a task that already succeeded returns its
	// cached output without claiming.
	if task.Status == domain.StatusSuccess {
		return &ExecutionResult{Success: true, Output: task.Output}, nil
	}

	if task.Attempts >= e.cfg.MaxAttempts {
		log.Warn("attempt budget exhausted",
			slog.Int("attempts", task.Attempts),
			slog.Int("max_attempts", e.cfg.MaxAttempts))
		return &ExecutionResult{Error: "max attempts exceeded"}, nil
	}

	claimed, err := e.claim(ctx, task)
	if err != nil {
		if store.IsVersionConflict(err) || store.IsNotFoundError(err) {
			// Another worker won the race; this attempt is abandoned.
			claimConflicts.Inc()
			log.Debug("claim lost to another worker",
				slog.Int64("expected_version", task.Version))
			return &ExecutionResult{Error: "task claimed by another worker"}, nil
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	handler, err := e.registry.Get(claimed.Type)
	if err != nil {
		return e.failNoHandler(ctx, log, claimed, err)
	}

	start := time.Now()
	output, handlerErr := invoke(ctx, handler, claimed.Input)
	taskDuration.WithLabelValues(claimed.Type).Observe(time.Since(start).Seconds())

	if handlerErr != nil {
		return e.recordFailure(ctx, log, claimed, handlerErr)
	}
	return e.recordSuccess(ctx, log, claimed, output)
}

// claim performs the optimistic-locked transition into in-progress,
// incrementing version and attempts and stamping last_attempt_at. The
// returned task carries the authoritative post-claim version.
func (e *Executor) claim(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	now := time.Now().UTC()
	status := domain.StatusInProgress
	attempts := task.Attempts + 1

	return e.store.UpdateTask(ctx, task.ID, task.Version, store.TaskUpdate{
		Status:        &status,
		Attempts:      &attempts,
		LastAttemptAt: &now,
	})
}

// failNoHandler writes a terminal failure for a task whose type has no
// registered handler. This is a configuration error, not a task error:
// retrying cannot fix a missing registration, so no run_after is written and
// the task drops out of ready-batch selection permanently. Attempts keeps
// its claim-time value; a later deployment that does register the handler
// can resurrect the task through the manual retry operation.
func (e *Executor) failNoHandler(
	ctx context.Context,
	log *slog.Logger,
	claimed *domain.Task,
	cause error,
) (*ExecutionResult, error) {
	log.Error("no handler registered for task type")

	status := domain.StatusFailed
	errMsg := cause.Error()
	_, err := e.store.UpdateTask(ctx, claimed.ID, claimed.Version, store.TaskUpdate{
		Status:        &status,
		Error:         &errMsg,
		ClearRunAfter: true,
	})
	if err != nil {
		if store.IsVersionConflict(err) {
			log.Warn("lost completion write race after claim")
			return &ExecutionResult{Error: errMsg}, nil
		}
		return nil, fmt.Errorf("failed to record missing-handler failure: %w", err)
	}

	tasksProcessed.WithLabelValues("failed", claimed.Type).Inc()
	log.Info("task failed permanently",
		slog.String("status_before", string(domain.StatusInProgress)),
		slog.String("status_after", string(domain.StatusFailed)),
		slog.Int("attempts", claimed.Attempts),
		slog.String("error", errMsg))
	return &ExecutionResult{Error: errMsg}, nil
}

// recordSuccess writes the terminal success state, conditioned on the
// claimed version.
func (e *Executor) recordSuccess(
	ctx context.Context,
	log *slog.Logger,
	claimed *domain.Task,
	output json.RawMessage,
) (*ExecutionResult, error) {
	status := domain.StatusSuccess
	_, err := e.store.UpdateTask(ctx, claimed.ID, claimed.Version, store.TaskUpdate{
		Status:     &status,
		Output:     output,
		ClearError: true,
	})
	if err != nil {
		if store.IsVersionConflict(err) {
			// The winning writer's state stands; the next poll sorts it out.
			log.Warn("lost completion write race after claim")
			return &ExecutionResult{Error: "completion write conflict"}, nil
		}
		return nil, fmt.Errorf("failed to record task success: %w", err)
	}

	tasksProcessed.WithLabelValues("success", claimed.Type).Inc()
	log.Info("task completed successfully",
		slog.String("status_before", string(domain.StatusInProgress)),
		slog.String("status_after", string(domain.StatusSuccess)),
		slog.Int("attempts", claimed.Attempts))
	return &ExecutionResult{Success: true, Output: output}, nil
}

// recordFailure writes the failed state with a computed run_after gate,
// conditioned on the claimed version. The stored error text is redacted
// first: handler errors often quote upstream DSNs or keys, and the error
// column is served verbatim on the admin surface.
func (e *Executor) recordFailure(
	ctx context.Context,
	log *slog.Logger,
	claimed *domain.Task,
	handlerErr error,
) (*ExecutionResult, error) {
	delay := e.scheduler.NextRetryDelay(claimed.Attempts)
	runAfter := time.Now().UTC().Add(delay)
	status := domain.StatusFailed
	errMsg := redact.Error(handlerErr)

	_, err := e.store.UpdateTask(ctx, claimed.ID, claimed.Version, store.TaskUpdate{
		Status:   &status,
		Error:    &errMsg,
		RunAfter: &runAfter,
	})
	if err != nil {
		if store.IsVersionConflict(err) {
			log.Warn("lost completion write race after claim")
			return &ExecutionResult{Error: errMsg}, nil
		}
		return nil, fmt.Errorf("failed to record task failure: %w", err)
	}

	shouldRetry := claimed.Attempts < e.cfg.MaxAttempts
	metricStatus := "failed"
	if shouldRetry {
		metricStatus = "retry"
	}
	tasksProcessed.WithLabelValues(metricStatus, claimed.Type).Inc()

	log.Warn("task execution failed",
		slog.String("status_before", string(domain.StatusInProgress)),
		slog.String("status_after", string(domain.StatusFailed)),
		slog.Int("attempts", claimed.Attempts),
		slog.Bool("will_retry", shouldRetry),
		slog.Duration("retry_delay", delay),
		slog.String("error", errMsg))

	return &ExecutionResult{Error: errMsg, ShouldRetry: shouldRetry}, nil
}

// RecoverStaleTasks reclassifies in-progress tasks whose last claim is older
// than the stale timeout: each is moved to failed with an explanatory error
// and a fresh run_after, after which normal retry rules apply. Recovery is
// deliberately conservative: the original handler may still be running, so
// nothing is killed; the task merely becomes claimable again.
//
// Calling this twice in a row recovers a given task at most once: the first
// call's write moves it out of in-progress (and bumps its version), so the
// second call's candidate set no longer includes it.
func (e *Executor) RecoverStaleTasks(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.StaleTimeout)

	stale, err := e.store.GetStaleTasks(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query stale tasks: %w", err)
	}

	recovered := 0
	for _, task := range stale {
		delay := e.scheduler.NextRetryDelay(task.Attempts)
		runAfter := time.Now().UTC().Add(delay)
		status := domain.StatusFailed
		errMsg := staleRecoveryError

		_, err := e.store.UpdateTask(ctx, task.ID, task.Version, store.TaskUpdate{
			Status:   &status,
			Error:    &errMsg,
			RunAfter: &runAfter,
		})
		if err != nil {
			if store.IsVersionConflict(err) || store.IsNotFoundError(err) {
				// The original worker finished after all, or another
				// recoverer got here first.
				continue
			}
			return recovered, fmt.Errorf("failed to recover stale task %s: %w", task.ID, err)
		}

		recovered++
		staleRecovered.Inc()
		e.logger.Warn("recovered stale task",
			slog.String("task_id", task.ID.String()),
			slog.String("task_type", task.Type),
			slog.Int("attempts", task.Attempts),
			slog.Time("last_attempt_at", derefTime(task.LastAttemptAt)),
			slog.Time("run_after", runAfter))
	}

	return recovered, nil
}

// invoke runs the handler, converting a panic into an ordinary error so a
// misbehaving handler cannot take down the worker loop.
func invoke(
	ctx context.Context,
	handler Handler,
	input json.RawMessage,
) (output json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler(ctx, input)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
