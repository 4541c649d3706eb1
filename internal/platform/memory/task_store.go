package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/queue-api/internal/domain"
	"github.com/phrazzld/queue-api/internal/store"
)

// defaultListLimit caps ListTasks results when the filter does not set one.
const defaultListLimit = 100

// MemoryTaskStore implements store.TaskStore with a mutex-guarded map.
// The compare-and-swap in UpdateTask provides the same optimistic-locking
// guarantee as the SQL stores' conditioned UPDATE, which makes this store a
// faithful stand-in for concurrency tests and a usable ephemeral backend for
// local development.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*domain.Task
}

// Interface guard.
var _ store.TaskStore = (*MemoryTaskStore)(nil)

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[uuid.UUID]*domain.Task),
	}
}

// CreateTask inserts a new task row.
func (s *MemoryTaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return store.NewStoreError("task", "create", "validation failed", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return store.NewStoreError("task", "create", "duplicate task ID", store.ErrDuplicate)
	}

	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask retrieves a task by ID.
func (s *MemoryTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *MemoryTaskStore) ListTasks(
	ctx context.Context,
	filter store.TaskFilter,
) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*domain.Task, 0)
	for _, task := range s.tasks {
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		matched = append(matched, task)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			// UUIDv7 IDs are time-ordered; break timestamp ties on ID
			return matched[i].ID.String() > matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	if filter.Offset >= len(matched) {
		return []*domain.Task{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*domain.Task, len(matched))
	for i, task := range matched {
		out[i] = cloneTask(task)
	}
	return out, nil
}

// UpdateTask atomically applies update iff the stored version equals
// expectedVersion. The whole compare-and-swap runs under the write lock, so
// at most one of N concurrent callers with the same expected version wins.
func (s *MemoryTaskStore) UpdateTask(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	update store.TaskUpdate,
) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}

	if task.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}

	now := time.Now().UTC()

	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Attempts != nil {
		task.Attempts = *update.Attempts
	}
	if update.LastAttemptAt != nil {
		t := *update.LastAttemptAt
		task.LastAttemptAt = &t
	}
	if update.Output != nil {
		task.Output = append([]byte(nil), update.Output...)
	}
	if update.ClearError {
		task.Error = ""
	} else if update.Error != nil {
		task.Error = *update.Error
	}
	if update.ClearRunAfter {
		task.RunAfter = nil
	} else if update.RunAfter != nil {
		t := *update.RunAfter
		task.RunAfter = &t
	}

	task.Version = expectedVersion + 1
	task.UpdatedAt = now
	if update.Status != nil && update.Status.IsTerminal() {
		t := now
		task.CompletedAt = &t
	}

	return cloneTask(task), nil
}

// GetReadyTasks returns up to limit eligible tasks in strict FIFO order.
func (s *MemoryTaskStore) GetReadyTasks(
	ctx context.Context,
	now time.Time,
	maxAttempts int,
	limit int,
) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ready := make([]*domain.Task, 0)
	for _, task := range s.tasks {
		if task.Attempts < maxAttempts && task.Eligible(now) {
			ready = append(ready, task)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].ID.String() < ready[j].ID.String()
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*domain.Task, len(ready))
	for i, task := range ready {
		out[i] = cloneTask(task)
	}
	return out, nil
}

// GetStaleTasks returns in-progress tasks last claimed before cutoff.
func (s *MemoryTaskStore) GetStaleTasks(
	ctx context.Context,
	cutoff time.Time,
) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stale := make([]*domain.Task, 0)
	for _, task := range s.tasks {
		if task.Status != domain.StatusInProgress {
			continue
		}
		if task.LastAttemptAt == nil || task.LastAttemptAt.Before(cutoff) {
			stale = append(stale, task)
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})

	out := make([]*domain.Task, len(stale))
	for i, task := range stale {
		out[i] = cloneTask(task)
	}
	return out, nil
}

// DeleteTask removes a task by ID.
func (s *MemoryTaskStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

// DeleteTasksByStatus removes all tasks with the given status.
func (s *MemoryTaskStore) DeleteTasksByStatus(
	ctx context.Context,
	status domain.TaskStatus,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for id, task := range s.tasks {
		if task.Status == status {
			delete(s.tasks, id)
			count++
		}
	}
	return count, nil
}

// CleanupOldTasks purges terminal tasks whose completion is older than olderThan.
func (s *MemoryTaskStore) CleanupOldTasks(
	ctx context.Context,
	olderThan time.Duration,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var count int64
	for id, task := range s.tasks {
		if !task.Status.IsTerminal() || task.CompletedAt == nil {
			continue
		}
		if task.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			count++
		}
	}
	return count, nil
}

// GetTaskStats returns aggregate counts.
func (s *MemoryTaskStore) GetTaskStats(ctx context.Context) (*domain.TaskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.TaskStats{
		ByStatus: make(map[domain.TaskStatus]int64),
		ByType:   make(map[string]int64),
	}
	for _, task := range s.tasks {
		stats.Total++
		stats.ByStatus[task.Status]++
		stats.ByType[task.Type]++
	}
	return stats, nil
}

// WithTx returns the store itself; the memory store has no transactions.
func (s *MemoryTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return s
}

// cloneTask returns a deep copy so callers never alias store-internal state.
func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	if t.Input != nil {
		c.Input = append([]byte(nil), t.Input...)
	}
	if t.Output != nil {
		c.Output = append([]byte(nil), t.Output...)
	}
	if t.LastAttemptAt != nil {
		v := *t.LastAttemptAt
		c.LastAttemptAt = &v
	}
	if t.RunAfter != nil {
		v := *t.RunAfter
		c.RunAfter = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}
