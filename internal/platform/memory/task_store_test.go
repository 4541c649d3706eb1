package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/queue-api/internal/domain"
	"github.com/phrazzld/queue-api/internal/store"
)

func mustTask(t *testing.T, taskType string) *domain.Task {
	t.Helper()

	task, err := domain.NewTask(taskType, json.RawMessage(`{"n":1}`), nil)
	require.NoError(t, err)
	return task
}

func TestMemoryTaskStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryTaskStore()
	task := mustTask(t, "echo")

	require.NoError(t, s.CreateTask(ctx, task))

	stored, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, stored.ID)
	assert.Equal(t, domain.StatusToDo, stored.Status)

	t.Run("duplicate id is rejected", func(t *testing.T) {
		err := s.CreateTask(ctx, task)
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("unknown id yields not found", func(t *testing.T) {
		_, err := s.GetTask(ctx, uuid.New())
		assert.True(t, store.IsNotFoundError(err))
	})

	t.Run("invalid task is rejected", func(t *testing.T) {
		bad := mustTask(t, "echo")
		bad.Type = ""
		assert.Error(t, s.CreateTask(ctx, bad))
	})

	t.Run("returned task is a copy", func(t *testing.T) {
		a, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		a.Status = domain.StatusFailed
		a.Input[0] = 'X'

		b, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusToDo, b.Status)
		assert.JSONEq(t, `{"n":1}`, string(b.Input))
	})
}

func TestMemoryTaskStore_UpdateTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("applies fields and bumps version", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryTaskStore()
		task := mustTask(t, "echo")
		require.NoError(t, s.CreateTask(ctx, task))

		status := domain.StatusInProgress
		attempts := 1
		now := time.Now().UTC()
		updated, err := s.UpdateTask(ctx, task.ID, 0, store.TaskUpdate{
			Status:        &status,
			Attempts:      &attempts,
			LastAttemptAt: &now,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), updated.Version)
		assert.Equal(t, domain.StatusInProgress, updated.Status)
		assert.Equal(t, 1, updated.Attempts)
		assert.Nil(t, updated.CompletedAt)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryTaskStore()
		task := mustTask(t, "echo")
		require.NoError(t, s.CreateTask(ctx, task))

		status := domain.StatusInProgress
		_, err := s.UpdateTask(ctx, task.ID, 0, store.TaskUpdate{Status: &status})
		require.NoError(t, err)

		_, err = s.UpdateTask(ctx, task.ID, 0, store.TaskUpdate{Status: &status})
		assert.True(t, store.IsVersionConflict(err))
	})

	t.Run("terminal status stamps completed_at", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryTaskStore()
		task := mustTask(t, "echo")
		require.NoError(t, s.CreateTask(ctx, task))

		status := domain.StatusSuccess
		updated, err := s.UpdateTask(ctx, task.ID, 0, store.TaskUpdate{
			Status: &status,
			Output: json.RawMessage(`"done"`),
		})
		require.NoError(t, err)
		require.NotNil(t, updated.CompletedAt)
		assert.JSONEq(t, `"done"`, string(updated.Output))
	})

	t.Run("clear flags reset error and run_after", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryTaskStore()
		task := mustTask(t, "echo")
		require.NoError(t, s.CreateTask(ctx, task))

		status := domain.StatusFailed
		errMsg := "boom"
		runAfter := time.Now().UTC().Add(time.Minute)
		_, err := s.UpdateTask(ctx, task.ID, 0, store.TaskUpdate{
			Status:   &status,
			Error:    &errMsg,
			RunAfter: &runAfter,
		})
		require.NoError(t, err)

		todo := domain.StatusToDo
		updated, err := s.UpdateTask(ctx, task.ID, 1, store.TaskUpdate{
			Status:        &todo,
			ClearError:    true,
			ClearRunAfter: true,
		})
		require.NoError(t, err)
		assert.Empty(t, updated.Error)
		assert.Nil(t, updated.RunAfter)
	})

	t.Run("unknown id yields not found", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryTaskStore()
		status := domain.StatusFailed
		_, err := s.UpdateTask(ctx, uuid.New(), 0, store.TaskUpdate{Status: &status})
		assert.True(t, store.IsNotFoundError(err))
	})
}

func TestMemoryTaskStore_ConcurrentClaims_OneWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryTaskStore()
	task := mustTask(t, "echo")
	require.NoError(t, s.CreateTask(ctx, task))

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	conflicts := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			status := domain.StatusInProgress
			attempts := 1
			now := time.Now().UTC()
			_, err := s.UpdateTask(ctx, task.ID, 0, store.TaskUpdate{
				Status:        &status,
				Attempts:      &attempts,
				LastAttemptAt: &now,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case store.IsVersionConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one claim must win")
	assert.Equal(t, workers-1, conflicts)

	stored, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 1, stored.Attempts)
}

func TestMemoryTaskStore_GetReadyTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryTaskStore()
	now := time.Now().UTC()

	add := func(createdOffset time.Duration, status domain.TaskStatus, attempts int, runAfter *time.Time) *domain.Task {
		task := mustTask(t, "echo")
		task.CreatedAt = now.Add(createdOffset)
		task.Status = status
		task.Attempts = attempts
		task.RunAfter = runAfter
		require.NoError(t, s.CreateTask(ctx, task))
		return task
	}

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	second := add(-2*time.Minute, domain.StatusFailed, 1, &past)
	first := add(-3*time.Minute, domain.StatusToDo, 0, nil)
	add(-5*time.Minute, domain.StatusToDo, 0, &future)     // gated
	add(-5*time.Minute, domain.StatusInProgress, 1, nil)   // claimed elsewhere
	add(-5*time.Minute, domain.StatusSuccess, 1, nil)      // done
	add(-6*time.Minute, domain.StatusFailed, 5, &past)     // attempt budget spent
	add(-7*time.Minute, domain.StatusFailed, 1, nil)       // no retry gate, permanently done
	third := add(-1*time.Minute, domain.StatusToDo, 0, nil)

	ready, err := s.GetReadyTasks(ctx, now, 5, 10)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, first.ID, ready[0].ID)
	assert.Equal(t, second.ID, ready[1].ID)
	assert.Equal(t, third.ID, ready[2].ID)

	limited, err := s.GetReadyTasks(ctx, now, 5, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, first.ID, limited[0].ID)

	t.Run("exhausted tasks never fill the batch ahead of newer work", func(t *testing.T) {
		ready, err := s.GetReadyTasks(ctx, now, 1, 2)
		require.NoError(t, err)
		require.Len(t, ready, 2)
		assert.Equal(t, first.ID, ready[0].ID, "retryable failed task is over budget at maxAttempts=1")
		assert.Equal(t, third.ID, ready[1].ID)
	})
}

func TestMemoryTaskStore_ListTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryTaskStore()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		task := mustTask(t, "echo")
		task.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateTask(ctx, task))
	}
	digest := mustTask(t, "digest")
	digest.CreatedAt = now.Add(time.Hour)
	digest.Status = domain.StatusFailed
	require.NoError(t, s.CreateTask(ctx, digest))

	t.Run("newest first", func(t *testing.T) {
		all, err := s.ListTasks(ctx, store.TaskFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, digest.ID, all[0].ID)
	})

	t.Run("filter by type", func(t *testing.T) {
		byType, err := s.ListTasks(ctx, store.TaskFilter{Type: "digest"})
		require.NoError(t, err)
		require.Len(t, byType, 1)
		assert.Equal(t, digest.ID, byType[0].ID)
	})

	t.Run("filter by status", func(t *testing.T) {
		failed, err := s.ListTasks(ctx, store.TaskFilter{Status: domain.StatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
	})

	t.Run("limit and offset paginate", func(t *testing.T) {
		page, err := s.ListTasks(ctx, store.TaskFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, page, 2)

		empty, err := s.ListTasks(ctx, store.TaskFilter{Offset: 100})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestMemoryTaskStore_GetStaleTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryTaskStore()
	now := time.Now().UTC()
	cutoff := now.Add(-5 * time.Minute)

	add := func(status domain.TaskStatus, lastAttempt *time.Time) *domain.Task {
		task := mustTask(t, "echo")
		task.Status = status
		task.LastAttemptAt = lastAttempt
		require.NoError(t, s.CreateTask(ctx, task))
		return task
	}

	old := now.Add(-10 * time.Minute)
	fresh := now.Add(-time.Minute)

	staleTask := add(domain.StatusInProgress, &old)
	orphan := add(domain.StatusInProgress, nil) // claimed but never stamped
	add(domain.StatusInProgress, &fresh)
	add(domain.StatusToDo, &old)

	stale, err := s.GetStaleTasks(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 2)

	ids := []uuid.UUID{stale[0].ID, stale[1].ID}
	assert.Contains(t, ids, staleTask.ID)
	assert.Contains(t, ids, orphan.ID)
}

func TestMemoryTaskStore_DeleteAndCleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("delete by id", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryTaskStore()
		task := mustTask(t, "echo")
		require.NoError(t, s.CreateTask(ctx, task))

		require.NoError(t, s.DeleteTask(ctx, task.ID))
		_, err := s.GetTask(ctx, task.ID)
		assert.True(t, store.IsNotFoundError(err))

		assert.True(t, store.IsNotFoundError(s.DeleteTask(ctx, task.ID)))
	})

	t.Run("delete by status", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryTaskStore()
		for i := 0; i < 3; i++ {
			task := mustTask(t, "echo")
			if i < 2 {
				task.Status = domain.StatusFailed
			}
			require.NoError(t, s.CreateTask(ctx, task))
		}

		count, err := s.DeleteTasksByStatus(ctx, domain.StatusFailed)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		stats, err := s.GetTaskStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Total)
	})

	t.Run("cleanup purges only old terminal tasks", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryTaskStore()

		oldDone := mustTask(t, "echo")
		oldDone.Status = domain.StatusSuccess
		past := time.Now().UTC().Add(-48 * time.Hour)
		oldDone.CompletedAt = &past
		require.NoError(t, s.CreateTask(ctx, oldDone))

		recentDone := mustTask(t, "echo")
		recentDone.Status = domain.StatusSuccess
		recent := time.Now().UTC().Add(-time.Hour)
		recentDone.CompletedAt = &recent
		require.NoError(t, s.CreateTask(ctx, recentDone))

		pending := mustTask(t, "echo")
		require.NoError(t, s.CreateTask(ctx, pending))

		count, err := s.CleanupOldTasks(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		_, err = s.GetTask(ctx, oldDone.ID)
		assert.True(t, store.IsNotFoundError(err))
		_, err = s.GetTask(ctx, recentDone.ID)
		assert.NoError(t, err)
		_, err = s.GetTask(ctx, pending.ID)
		assert.NoError(t, err)
	})
}

func TestMemoryTaskStore_GetTaskStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryTaskStore()

	for i := 0; i < 2; i++ {
		task := mustTask(t, "echo")
		require.NoError(t, s.CreateTask(ctx, task))
	}
	failed := mustTask(t, "digest")
	failed.Status = domain.StatusFailed
	require.NoError(t, s.CreateTask(ctx, failed))

	stats, err := s.GetTaskStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[domain.StatusToDo])
	assert.Equal(t, int64(1), stats.ByStatus[domain.StatusFailed])
	assert.Equal(t, int64(2), stats.ByType["echo"])
	assert.Equal(t, int64(1), stats.ByType["digest"])
}
