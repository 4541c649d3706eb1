package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/queue-api/internal/domain"
	"github.com/phrazzld/queue-api/internal/platform/memory"
	"github.com/phrazzld/queue-api/internal/store"
)

type runnerFixture struct {
	store     store.TaskStore
	registry  *HandlerRegistry
	scheduler *Scheduler
	executor  *Executor
	runner    *Runner
}

func newRunnerFixture(t *testing.T, schedCfg SchedulerConfig, runCfg RunnerConfig) *runnerFixture {
	t.Helper()

	taskStore := memory.NewMemoryTaskStore()
	registry := NewHandlerRegistry()
	scheduler := NewScheduler(taskStore, schedCfg, testLogger())
	executor := NewExecutor(taskStore, registry, scheduler, ExecutorConfig{
		MaxAttempts:  3,
		StaleTimeout: 5 * time.Minute,
	}, testLogger())
	runner := NewRunner(scheduler, executor, runCfg, testLogger())

	t.Cleanup(runner.Stop)

	return &runnerFixture{
		store:     taskStore,
		registry:  registry,
		scheduler: scheduler,
		executor:  executor,
		runner:    runner,
	}
}

func (f *runnerFixture) enqueue(t *testing.T, taskType string, input string) *domain.Task {
	t.Helper()

	task, err := domain.NewTask(taskType, json.RawMessage(input), nil)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	return task
}

// waitForStatus polls until the task reaches the wanted status or the
// deadline passes.
func (f *runnerFixture) waitForStatus(
	t *testing.T,
	task *domain.Task,
	want domain.TaskStatus,
	deadline time.Duration,
) *domain.Task {
	t.Helper()

	var last *domain.Task
	require.Eventually(t, func() bool {
		stored, err := f.store.GetTask(context.Background(), task.ID)
		if err != nil {
			return false
		}
		last = stored
		return stored.Status == want
	}, deadline, 5*time.Millisecond, "task never reached status %s", want)
	return last
}

func TestRunner_ProcessesEnqueuedTask(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, DefaultSchedulerConfig(), RunnerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
	})
	require.NoError(t, f.registry.Register("echo", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	}))

	task := f.enqueue(t, "echo", `{"msg":"hello"}`)
	f.runner.Start()

	stored := f.waitForStatus(t, task, domain.StatusSuccess, 2*time.Second)
	assert.JSONEq(t, `{"msg":"hello"}`, string(stored.Output))
	assert.Equal(t, 1, stored.Attempts)
}

func TestRunner_RetriesFailedTask(t *testing.T) {
	t.Parallel()

	// A tiny base delay keeps the retry observable within the test.
	f := newRunnerFixture(t, SchedulerConfig{
		BaseRetryDelay: 20 * time.Millisecond,
		MaxRetryDelay:  time.Second,
	}, RunnerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
	})

	var calls atomic.Int32
	require.NoError(t, f.registry.Register("flaky", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`"ok"`), nil
	}))

	task := f.enqueue(t, "flaky", `{}`)
	f.runner.Start()

	stored := f.waitForStatus(t, task, domain.StatusSuccess, 5*time.Second)
	assert.Equal(t, 2, stored.Attempts, "first failure plus successful retry")
	assert.Empty(t, stored.Error, "success clears the previous attempt's error")
	assert.JSONEq(t, `"ok"`, string(stored.Output))
}

func TestRunner_PauseAndResume(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, DefaultSchedulerConfig(), RunnerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		StartPaused:  true,
	})
	require.NoError(t, f.registry.Register("echo", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	}))

	task := f.enqueue(t, "echo", `{}`)
	f.runner.Start()
	assert.True(t, f.runner.Paused())

	// Paused: the task must stay untouched across several poll cycles.
	time.Sleep(100 * time.Millisecond)
	stored, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusToDo, stored.Status)
	assert.Equal(t, 0, stored.Attempts)

	f.runner.Resume()
	assert.False(t, f.runner.Paused())
	f.waitForStatus(t, task, domain.StatusSuccess, 2*time.Second)
}

func TestRunner_RateLimitDefersBatch(t *testing.T) {
	t.Parallel()

	// One dispatch per second: a batch of three drains one task per cycle
	// at most, so right after the first cycle only one task has run.
	f := newRunnerFixture(t, SchedulerConfig{MaxRPS: 1}, RunnerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
	})

	var executed atomic.Int32
	require.NoError(t, f.registry.Register("echo", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		executed.Add(1)
		return input, nil
	}))

	for i := 0; i < 3; i++ {
		f.enqueue(t, "echo", `{}`)
	}
	f.runner.Start()

	require.Eventually(t, func() bool {
		return executed.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// The bucket refills at 1/s, so the remaining two tasks cannot all have
	// run yet.
	assert.LessOrEqual(t, executed.Load(), int32(2))
}

func TestRunner_ExhaustedTasksDoNotStarveNewerWork(t *testing.T) {
	t.Parallel()

	// Old failed tasks whose attempt budget is spent sort first in FIFO
	// order. They must drop out of ready selection entirely, or a batch-sized
	// pile of them would occupy every cycle and newer to-do work would never
	// be dispatched.
	taskStore := memory.NewMemoryTaskStore()
	registry := NewHandlerRegistry()
	scheduler := NewScheduler(taskStore, SchedulerConfig{
		BaseRetryDelay: 10 * time.Second,
		MaxRetryDelay:  time.Minute,
		MaxAttempts:    1,
	}, testLogger())
	executor := NewExecutor(taskStore, registry, scheduler, ExecutorConfig{
		MaxAttempts:  1,
		StaleTimeout: 5 * time.Minute,
	}, testLogger())
	runner := NewRunner(scheduler, executor, RunnerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    2,
	}, testLogger())
	t.Cleanup(runner.Stop)

	var executed atomic.Int32
	require.NoError(t, registry.Register("echo", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		executed.Add(1)
		return input, nil
	}))

	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	// Two exhausted failures older than the live task, enough to fill the
	// whole batch if selection let them through.
	for i := 0; i < 2; i++ {
		spent, err := domain.NewTask("echo", json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		spent.CreatedAt = now.Add(-time.Hour)
		spent.Status = domain.StatusFailed
		spent.Attempts = 1
		spent.RunAfter = &past
		require.NoError(t, taskStore.CreateTask(ctx, spent))
	}

	good, err := domain.NewTask("echo", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, taskStore.CreateTask(ctx, good))

	runner.Start()

	require.Eventually(t, func() bool {
		stored, err := taskStore.GetTask(ctx, good.ID)
		return err == nil && stored.Status == domain.StatusSuccess
	}, 2*time.Second, 5*time.Millisecond, "newer task must run despite older exhausted failures")
	assert.Equal(t, int32(1), executed.Load(), "exhausted tasks must not be dispatched at all")
}

func TestRunner_StopWaitsForInFlightTask(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, DefaultSchedulerConfig(), RunnerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
	})

	started := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, f.registry.Register("slow", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return input, nil
	}))

	task := f.enqueue(t, "slow", `{}`)
	f.runner.Start()

	<-started
	f.runner.Stop()

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight handler finished")
	}

	stored, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, stored.Status, "the in-flight completion write must land")
}

func TestRunner_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t, DefaultSchedulerConfig(), RunnerConfig{
		PollInterval: 10 * time.Millisecond,
	})

	f.runner.Start()
	f.runner.Start()
	f.runner.Stop()
	f.runner.Stop()
}

func TestConcurrentRunners_SingleWinnerPerTask(t *testing.T) {
	t.Parallel()

	// Two worker loops over one store: each task must execute exactly once.
	taskStore := memory.NewMemoryTaskStore()
	registry := NewHandlerRegistry()

	var executions atomic.Int32
	require.NoError(t, registry.Register("echo", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		executions.Add(1)
		return input, nil
	}))

	var runners []*Runner
	for i := 0; i < 2; i++ {
		scheduler := NewScheduler(taskStore, DefaultSchedulerConfig(), testLogger())
		executor := NewExecutor(taskStore, registry, scheduler, ExecutorConfig{
			MaxAttempts:  3,
			StaleTimeout: 5 * time.Minute,
		}, testLogger())
		runner := NewRunner(scheduler, executor, RunnerConfig{
			PollInterval: 5 * time.Millisecond,
			BatchSize:    20,
		}, testLogger())
		runners = append(runners, runner)
	}

	const taskCount = 10
	tasks := make([]*domain.Task, 0, taskCount)
	for i := 0; i < taskCount; i++ {
		task, err := domain.NewTask("echo", json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		require.NoError(t, taskStore.CreateTask(context.Background(), task))
		tasks = append(tasks, task)
	}

	var wg sync.WaitGroup
	for _, r := range runners {
		r.Start()
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			defer r.Stop()
			time.Sleep(time.Second)
		}(r)
	}
	wg.Wait()

	for _, task := range tasks {
		stored, err := taskStore.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSuccess, stored.Status)
		assert.Equal(t, 1, stored.Attempts, "task %s must have exactly one attempt", task.ID)
	}
	assert.Equal(t, int32(taskCount), executions.Load(), "each task executes exactly once")
}
