package task

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/phrazzld/queue-api/internal/domain"
	"github.com/phrazzld/queue-api/internal/store"
)

// retryJitterFraction is the uniform jitter applied to computed retry
// delays: the final delay lands within ±20% of the exponential value so that
// many tasks failed by the same outage do not retry in lockstep.
const retryJitterFraction = 0.2

// SchedulerConfig holds the scheduling and throughput settings.
type SchedulerConfig struct {
	// BaseRetryDelay is the delay before the first retry.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration

	// MaxAttempts is the attempt budget used to exclude exhausted tasks
	// from ready-batch selection. Must match the Executor's budget. If zero
	// or negative, defaults to 5.
	MaxAttempts int

	// MaxRPS is the token-bucket dispatch rate. Zero disables limiting.
	MaxRPS float64
}

// DefaultSchedulerConfig returns a SchedulerConfig with the standard
// 10s-doubling-to-6h backoff and no rate limit.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BaseRetryDelay: 10 * time.Second,
		MaxRetryDelay:  6 * time.Hour,
		MaxAttempts:    5,
		MaxRPS:         0,
	}
}

// Scheduler decides which tasks are runnable now, when a failed task should
// be retried, and whether the dispatch rate budget allows another execution.
type Scheduler struct {
	store   store.TaskStore
	cfg     SchedulerConfig
	limiter *tokenBucket
	logger  *slog.Logger
}

// NewScheduler creates a Scheduler over the given store.
func NewScheduler(taskStore store.TaskStore, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 10 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = 6 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	return &Scheduler{
		store:   taskStore,
		cfg:     cfg,
		limiter: newTokenBucket(cfg.MaxRPS),
		logger:  logger.With(slog.String("component", "scheduler")),
	}
}

// GetReadyTasks returns up to batchSize tasks eligible to run now, in strict
// FIFO order by creation time. run_after is the single gate for both initial
// delayed scheduling and post-failure retry delay; tasks whose attempt budget
// is exhausted, and failed tasks with no retry gate at all, are excluded at
// the query so they cannot crowd newer work out of the batch.
func (s *Scheduler) GetReadyTasks(ctx context.Context, batchSize int) ([]*domain.Task, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	return s.store.GetReadyTasks(ctx, time.Now().UTC(), s.cfg.MaxAttempts, batchSize)
}

// NextRetryDelay computes the backoff before the retry following the given
// attempt (1-based: attempt 1 is the first execution). The delay doubles
// from BaseRetryDelay up to MaxRetryDelay (roughly 10s, 20s, 40s and so on
// by default), with ±20% uniform jitter applied after capping.
func (s *Scheduler) NextRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := s.cfg.BaseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.MaxRetryDelay || delay <= 0 {
			delay = s.cfg.MaxRetryDelay
			break
		}
	}
	if delay > s.cfg.MaxRetryDelay {
		delay = s.cfg.MaxRetryDelay
	}

	// Uniform jitter in [-20%, +20%]
	jitter := 1 + retryJitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

// Allow consumes one rate-limit token if available. When it reports false
// the worker loop must defer the remainder of the batch to the next poll
// cycle rather than block.
func (s *Scheduler) Allow() bool {
	return s.limiter.Allow()
}

// SetMaxRPS adjusts the dispatch rate limit at runtime.
func (s *Scheduler) SetMaxRPS(rps float64) {
	s.limiter.SetRate(rps)
	s.logger.Info("rate limit updated", slog.Float64("max_rps", rps))
}

// MaxRPS returns the current dispatch rate limit.
func (s *Scheduler) MaxRPS() float64 {
	return s.limiter.Rate()
}
