package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/queue-api/internal/domain"
)

// TaskFilter narrows ListTasks results. Zero-valued fields are ignored.
type TaskFilter struct {
	// Type filters by task type when non-empty.
	Type string

	// Status filters by task status when non-empty.
	Status domain.TaskStatus

	// Limit caps the number of returned rows. Implementations apply a
	// default when zero.
	Limit int

	// Offset skips the first N rows for pagination.
	Offset int
}

// TaskUpdate describes the field changes applied by a conditioned update.
// Nil pointer fields are left unchanged. The store always advances the row's
// version to expectedVersion+1 and refreshes updated_at; completed_at is set
// when Status transitions the task into success or failed.
type TaskUpdate struct {
	Status        *domain.TaskStatus
	Attempts      *int
	LastAttemptAt *time.Time
	Output        json.RawMessage
	Error         *string
	RunAfter      *time.Time

	// ClearRunAfter resets run_after to NULL. Used by the manual retry
	// operation to make a failed task immediately eligible again.
	ClearRunAfter bool

	// ClearError resets the error text. Used by manual retry and by the
	// success write so stale failure messages do not outlive the failure.
	ClearError bool
}

// TaskStore defines the interface for task persistence and retrieval.
//
// UpdateTask is the single mutation path for existing rows: every state
// transition (claim, complete, fail, stale-recover, manual retry) goes
// through its compare-and-swap. Implementations must make the version check
// and the write atomic: a single conditioned UPDATE for SQL stores, a
// mutex-guarded compare for the in-memory store.
type TaskStore interface {
	// CreateTask inserts a new task row. The task must be in StatusToDo
	// with version 0 and zero attempts.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListTasks returns tasks matching the filter, ordered by creation time
	// descending (display order).
	ListTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// UpdateTask atomically applies update to the task iff the stored
	// version equals expectedVersion, advancing version to expectedVersion+1.
	// Returns the updated task on success, ErrVersionConflict when the
	// version check fails, or ErrTaskNotFound when the row is absent.
	UpdateTask(
		ctx context.Context,
		id uuid.UUID,
		expectedVersion int64,
		update TaskUpdate,
	) (*domain.Task, error)

	// GetReadyTasks returns up to limit tasks eligible to run at the given
	// instant, ordered by creation time ascending (strict FIFO). Eligible
	// means attempts below maxAttempts, and either status to-do with
	// run_after null or elapsed, or status failed with an elapsed non-null
	// run_after. Filtering here rather than in the caller keeps tasks that
	// can never run again from crowding newer work out of the batch.
	GetReadyTasks(
		ctx context.Context,
		now time.Time,
		maxAttempts int,
		limit int,
	) ([]*domain.Task, error)

	// GetStaleTasks returns in-progress tasks whose last_attempt_at is
	// before cutoff, the candidates for stale-worker recovery.
	GetStaleTasks(ctx context.Context, cutoff time.Time) ([]*domain.Task, error)

	// DeleteTask removes a task by ID.
	// Returns ErrTaskNotFound if the task does not exist.
	DeleteTask(ctx context.Context, id uuid.UUID) error

	// DeleteTasksByStatus removes all tasks with the given status and
	// reports how many rows were deleted.
	DeleteTasksByStatus(ctx context.Context, status domain.TaskStatus) (int64, error)

	// CleanupOldTasks purges terminal tasks (success, failed) whose
	// completed_at is older than the given age and reports the count.
	CleanupOldTasks(ctx context.Context, olderThan time.Duration) (int64, error)

	// GetTaskStats returns aggregate counts for observability.
	GetTaskStats(ctx context.Context) (*domain.TaskStats, error)

	// WithTx returns a TaskStore bound to the provided transaction, allowing
	// multiple operations to execute atomically. The transaction is created
	// and managed by the caller. Stores without transaction support return
	// themselves.
	WithTx(tx *sql.Tx) TaskStore
}
