package task

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RunnerConfig holds configuration for the worker loop.
type RunnerConfig struct {
	// PollInterval is the time between poll cycles. If zero, defaults to 1s.
	PollInterval time.Duration

	// BatchSize caps how many ready tasks one cycle dispatches. If zero,
	// defaults to 10.
	BatchSize int

	// StartPaused starts the loop in the paused state: it polls for stale
	// tasks but executes nothing until Resume is called.
	StartPaused bool
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval: time.Second,
		BatchSize:    10,
	}
}

// Runner is the per-process worker loop driving the Scheduler and Executor
// on a timer. Multiple runner processes may poll the same store
// concurrently; the store's compare-and-swap guarantees each task attempt
// has exactly one winner, so the runners need no coordination of their own.
type Runner struct {
	scheduler *Scheduler
	executor  *Executor
	cfg       RunnerConfig
	logger    *slog.Logger

	paused  atomic.Bool
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. Start must be called to begin polling.
func NewRunner(
	scheduler *Scheduler,
	executor *Executor,
	cfg RunnerConfig,
	logger *slog.Logger,
) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}

	r := &Runner{
		scheduler: scheduler,
		executor:  executor,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "runner")),
	}
	r.paused.Store(cfg.StartPaused)
	return r
}

// Start launches the poll loop in a background goroutine.
// Calling Start on a running Runner is a no-op.
func (r *Runner) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("worker loop started",
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.Int("batch_size", r.cfg.BatchSize),
		slog.Bool("paused", r.paused.Load()))
}

// Stop halts the poll loop gracefully: the in-flight cycle (including any
// running handler) finishes before Stop returns. Handlers are never aborted
// mid-flight; a handler that outlives its process is what stale recovery
// exists for.
func (r *Runner) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info("worker loop stopped")
}

// Pause suspends task execution. The loop keeps polling (stale recovery
// still runs) but dispatches nothing until Resume. Non-destructive.
func (r *Runner) Pause() {
	if r.paused.CompareAndSwap(false, true) {
		r.logger.Info("worker loop paused")
	}
}

// Resume lifts a pause.
func (r *Runner) Resume() {
	if r.paused.CompareAndSwap(true, false) {
		r.logger.Info("worker loop resumed")
	}
}

// Paused reports whether execution is currently suspended.
func (r *Runner) Paused() bool {
	return r.paused.Load()
}

// loop runs poll cycles until the context is cancelled. The current cycle
// always completes: cancellation is only observed between cycles and
// between tasks within a batch.
func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle is one iteration of the worker loop: recover stale tasks, honor
// pause, fetch a ready batch, and dispatch it FIFO under the rate limit.
func (r *Runner) runCycle(ctx context.Context) {
	// Handlers run under a context that survives Stop so an in-flight
	// batch can finish; ctx itself only gates starting more work.
	execCtx := context.WithoutCancel(ctx)

	recovered, err := r.executor.RecoverStaleTasks(execCtx)
	if err != nil {
		r.logger.Error("stale task recovery failed", slog.String("error", err.Error()))
	} else if recovered > 0 {
		r.logger.Info("recovered stale tasks", slog.Int("count", recovered))
	}

	if r.paused.Load() {
		r.logger.Debug("paused, skipping execution")
		return
	}

	ready, err := r.scheduler.GetReadyTasks(execCtx, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("failed to fetch ready tasks", slog.String("error", err.Error()))
		return
	}
	readyBatch.Set(float64(len(ready)))
	if len(ready) == 0 {
		return
	}

	r.logger.Debug("dispatching ready batch", slog.Int("count", len(ready)))

	for _, task := range ready {
		if ctx.Err() != nil {
			// Shutting down; leave the rest for another worker.
			return
		}
		if !r.scheduler.Allow() {
			r.logger.Debug("rate limit reached, deferring remaining tasks",
				slog.Int("deferred", len(ready)))
			return
		}

		if _, err := r.executor.ExecuteTask(execCtx, task.ID); err != nil {
			// Store-level failure; surfaced loudly, cycle continues on the
			// next tick.
			r.logger.Error("task execution aborted by store failure",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
			return
		}
	}
}
