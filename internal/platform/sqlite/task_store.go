package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/queue-api/internal/domain"
	"github.com/phrazzld/queue-api/internal/platform/logger"
	"github.com/phrazzld/queue-api/internal/store"

	// Register the CGO-free "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// taskColumns is the canonical SELECT column list for task rows.
const taskColumns = `id, type, input, status, version, attempts, last_attempt_at,
	output, error, run_after, created_at, updated_at, completed_at`

// SQLiteTaskStore implements the store.TaskStore interface using SQLite via
// modernc.org/sqlite. Timestamps are stored as integer unix seconds; the
// optimistic-lock compare-and-swap is a single conditioned UPDATE, identical
// in shape to the Postgres store's.
type SQLiteTaskStore struct {
	db store.DBTX
}

// Interface guard.
var _ store.TaskStore = (*SQLiteTaskStore)(nil)

// NewSQLiteTaskStore creates a new SQLiteTaskStore.
func NewSQLiteTaskStore(db store.DBTX) *SQLiteTaskStore {
	return &SQLiteTaskStore{
		db: db,
	}
}

// WithTx returns a new store bound to the provided transaction.
func (s *SQLiteTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &SQLiteTaskStore{db: tx}
}

// CreateTask persists a new task row.
func (s *SQLiteTaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return store.NewStoreError("task", "create", "validation failed", err)
	}

	query := `
		INSERT INTO tasks (id, type, input, status, version, attempts,
			last_attempt_at, output, error, run_after, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID.String(),
		task.Type,
		string(task.Input),
		task.Status,
		task.Version,
		task.Attempts,
		unixOrNil(task.LastAttemptAt),
		jsonOrNil(task.Output),
		stringOrNil(task.Error),
		unixOrNil(task.RunAfter),
		task.CreatedAt.Unix(),
		task.UpdatedAt.Unix(),
		unixOrNil(task.CompletedAt),
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", task.ID,
			"task_type", task.Type,
			"error", err)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
		}
		return fmt.Errorf("failed to save task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *SQLiteTaskStore) ListTasks(
	ctx context.Context,
	filter store.TaskFilter,
) ([]*domain.Task, error) {
	var conditions []string
	var args []any

	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// UpdateTask applies the update iff the stored version equals expectedVersion.
func (s *SQLiteTaskStore) UpdateTask(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	update store.TaskUpdate,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	now := time.Now().UTC()
	sets := []string{}
	args := []any{}

	addSet := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if update.Status != nil {
		addSet("status", *update.Status)
		if update.Status.IsTerminal() {
			addSet("completed_at", now.Unix())
		}
	}
	if update.Attempts != nil {
		addSet("attempts", *update.Attempts)
	}
	if update.LastAttemptAt != nil {
		addSet("last_attempt_at", update.LastAttemptAt.Unix())
	}
	if update.Output != nil {
		addSet("output", string(update.Output))
	}
	if update.ClearError {
		sets = append(sets, "error = NULL")
	} else if update.Error != nil {
		addSet("error", *update.Error)
	}
	if update.ClearRunAfter {
		sets = append(sets, "run_after = NULL")
	} else if update.RunAfter != nil {
		addSet("run_after", update.RunAfter.Unix())
	}

	addSet("version", expectedVersion+1)
	addSet("updated_at", now.Unix())

	query := fmt.Sprintf(
		`UPDATE tasks SET %s WHERE id = ? AND version = ?`,
		strings.Join(sets, ", "),
	)
	args = append(args, id.String(), expectedVersion)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to update task",
			"task_id", id,
			"expected_version", expectedVersion,
			"error", err)
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Either the task is gone or the version moved on.
		var exists bool
		probe := `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = ?)`
		if probeErr := s.db.QueryRowContext(ctx, probe, id.String()).Scan(&exists); probeErr != nil {
			return nil, fmt.Errorf("failed to probe task existence: %w", probeErr)
		}
		if !exists {
			return nil, store.ErrTaskNotFound
		}
		return nil, store.ErrVersionConflict
	}

	return s.GetTask(ctx, id)
}

// GetReadyTasks returns up to limit claim-eligible tasks in FIFO order.
func (s *SQLiteTaskStore) GetReadyTasks(
	ctx context.Context,
	now time.Time,
	maxAttempts int,
	limit int,
) ([]*domain.Task, error) {
	// Failed tasks need a non-null elapsed run_after: a failed row without a
	// retry gate is permanently done and must not re-enter the batch.
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE attempts < ?
		  AND (
		        (status = ? AND (run_after IS NULL OR run_after <= ?))
		     OR (status = ? AND run_after <= ?)
		  )
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		maxAttempts,
		domain.StatusToDo, now.Unix(),
		domain.StatusFailed, now.Unix(),
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// GetStaleTasks returns in-progress tasks last claimed before cutoff.
func (s *SQLiteTaskStore) GetStaleTasks(
	ctx context.Context,
	cutoff time.Time,
) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ?
		  AND (last_attempt_at IS NULL OR last_attempt_at < ?)
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, domain.StatusInProgress, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// DeleteTask removes a task by ID.
func (s *SQLiteTaskStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

// DeleteTasksByStatus removes all tasks with the given status.
func (s *SQLiteTaskStore) DeleteTasksByStatus(
	ctx context.Context,
	status domain.TaskStatus,
) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE status = ?`, status)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks by status: %w", err)
	}
	return result.RowsAffected()
}

// CleanupOldTasks purges terminal tasks completed before now-olderThan.
func (s *SQLiteTaskStore) CleanupOldTasks(
	ctx context.Context,
	olderThan time.Duration,
) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Unix()

	query := `
		DELETE FROM tasks
		WHERE status IN (?, ?)
		  AND completed_at IS NOT NULL
		  AND completed_at < ?
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.StatusSuccess, domain.StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old tasks: %w", err)
	}
	return result.RowsAffected()
}

// GetTaskStats returns aggregate task counts.
func (s *SQLiteTaskStore) GetTaskStats(ctx context.Context) (*domain.TaskStats, error) {
	stats := &domain.TaskStats{
		ByStatus: make(map[domain.TaskStatus]int64),
		ByType:   make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, type, COUNT(*) FROM tasks GROUP BY status, type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query task stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status domain.TaskStatus
		var taskType string
		var count int64
		if err := rows.Scan(&status, &taskType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByType[taskType] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats rows: %w", err)
	}

	return stats, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task row in taskColumns order, converting the integer
// unix-second timestamp columns back into time.Time.
func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var idText string
	var input string
	var output sql.NullString
	var errMsg sql.NullString
	var lastAttemptAt, runAfter, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&idText,
		&task.Type,
		&input,
		&task.Status,
		&task.Version,
		&task.Attempts,
		&lastAttemptAt,
		&output,
		&errMsg,
		&runAfter,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.ID, err = uuid.Parse(idText)
	if err != nil {
		return nil, fmt.Errorf("invalid task ID %q in store: %w", idText, err)
	}

	task.Input = json.RawMessage(input)
	if output.Valid {
		task.Output = json.RawMessage(output.String)
	}
	task.Error = errMsg.String
	if lastAttemptAt.Valid {
		t := time.Unix(lastAttemptAt.Int64, 0).UTC()
		task.LastAttemptAt = &t
	}
	if runAfter.Valid {
		t := time.Unix(runAfter.Int64, 0).UTC()
		task.RunAfter = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		task.CompletedAt = &t
	}
	task.CreatedAt = time.Unix(createdAt, 0).UTC()
	task.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &task, nil
}

// collectTasks drains rows into a task slice.
func collectTasks(rows *sql.Rows) ([]*domain.Task, error) {
	tasks := make([]*domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// isUniqueViolation detects SQLite primary-key/unique constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func stringOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrNil(j json.RawMessage) any {
	if len(j) == 0 {
		return nil
	}
	return string(j)
}
