package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/queue-api/internal/domain"
	"github.com/phrazzld/queue-api/internal/platform/logger"
	"github.com/phrazzld/queue-api/internal/store"
)

// taskColumns is the canonical SELECT column list for task rows.
const taskColumns = `id, type, input, status, version, attempts, last_attempt_at,
	output, error, run_after, created_at, updated_at, completed_at`

// PostgresTaskStore implements the store.TaskStore interface using PostgreSQL.
type PostgresTaskStore struct {
	db store.DBTX
}

// Interface guard.
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db: db,
	}
}

// WithTx returns a new store bound to the provided transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{db: tx}
}

// CreateTask persists a new task row.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return store.NewStoreError("task", "create", "validation failed", err)
	}

	query := `
		INSERT INTO tasks (id, type, input, status, version, attempts,
			last_attempt_at, output, error, run_after, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Type,
		[]byte(task.Input),
		task.Status,
		task.Version,
		task.Attempts,
		task.LastAttemptAt,
		nullableJSON(task.Output),
		nullableString(task.Error),
		task.RunAfter,
		task.CreatedAt,
		task.UpdatedAt,
		task.CompletedAt,
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", task.ID,
			"task_type", task.Type,
			"error", err)
		return MapError(fmt.Errorf("failed to save task: %w", err))
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	row := s.db.QueryRowContext(ctx, query, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, MapError(err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *PostgresTaskStore) ListTasks(
	ctx context.Context,
	filter store.TaskFilter,
) ([]*domain.Task, error) {
	log := logger.FromContext(ctx)

	var conditions []string
	var args []any

	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
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
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to list tasks", "error", err)
		return nil, MapError(fmt.Errorf("failed to list tasks: %w", err))
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// UpdateTask applies the update iff the stored version equals expectedVersion.
// The version check and the write are one conditioned UPDATE, so the
// compare-and-swap is atomic at the database level. A no-match outcome is
// disambiguated into ErrVersionConflict or ErrTaskNotFound with a follow-up
// existence probe.
func (s *PostgresTaskStore) UpdateTask(
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
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		addSet("status", *update.Status)
		if update.Status.IsTerminal() {
			addSet("completed_at", now)
		}
	}
	if update.Attempts != nil {
		addSet("attempts", *update.Attempts)
	}
	if update.LastAttemptAt != nil {
		addSet("last_attempt_at", *update.LastAttemptAt)
	}
	if update.Output != nil {
		addSet("output", []byte(update.Output))
	}
	if update.ClearError {
		sets = append(sets, "error = NULL")
	} else if update.Error != nil {
		addSet("error", *update.Error)
	}
	if update.ClearRunAfter {
		sets = append(sets, "run_after = NULL")
	} else if update.RunAfter != nil {
		addSet("run_after", *update.RunAfter)
	}

	addSet("version", expectedVersion+1)
	addSet("updated_at", now)

	args = append(args, id)
	idArg := len(args)
	args = append(args, expectedVersion)
	versionArg := len(args)

	query := fmt.Sprintf(
		`UPDATE tasks SET %s WHERE id = $%d AND version = $%d RETURNING %s`,
		strings.Join(sets, ", "), idArg, versionArg, taskColumns,
	)

	row := s.db.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !IsNotFoundError(MapError(err)) {
		log.Error("failed to update task",
			"task_id", id,
			"expected_version", expectedVersion,
			"error", err)
		return nil, MapError(fmt.Errorf("failed to update task: %w", err))
	}

	// No row matched: either the task is gone or the version moved on.
	var exists bool
	probe := `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`
	if probeErr := s.db.QueryRowContext(ctx, probe, id).Scan(&exists); probeErr != nil {
		return nil, MapError(fmt.Errorf("failed to probe task existence: %w", probeErr))
	}
	if !exists {
		return nil, store.ErrTaskNotFound
	}
	return nil, store.ErrVersionConflict
}

// GetReadyTasks returns up to limit claim-eligible tasks in FIFO order.
func (s *PostgresTaskStore) GetReadyTasks(
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
		WHERE attempts < $1
		  AND (
		        (status = $2 AND (run_after IS NULL OR run_after <= $4))
		     OR (status = $3 AND run_after <= $4)
		  )
		ORDER BY created_at ASC, id ASC
		LIMIT $5
	`

	rows, err := s.db.QueryContext(ctx, query,
		maxAttempts, domain.StatusToDo, domain.StatusFailed, now, limit)
	if err != nil {
		return nil, MapError(fmt.Errorf("failed to query ready tasks: %w", err))
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// GetStaleTasks returns in-progress tasks last claimed before cutoff.
func (s *PostgresTaskStore) GetStaleTasks(
	ctx context.Context,
	cutoff time.Time,
) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1
		  AND (last_attempt_at IS NULL OR last_attempt_at < $2)
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, domain.StatusInProgress, cutoff)
	if err != nil {
		return nil, MapError(fmt.Errorf("failed to query stale tasks: %w", err))
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// DeleteTask removes a task by ID.
func (s *PostgresTaskStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return MapError(fmt.Errorf("failed to delete task: %w", err))
	}
	return CheckRowsAffected(result, "task")
}

// DeleteTasksByStatus removes all tasks with the given status.
func (s *PostgresTaskStore) DeleteTasksByStatus(
	ctx context.Context,
	status domain.TaskStatus,
) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE status = $1`, status)
	if err != nil {
		return 0, MapError(fmt.Errorf("failed to delete tasks by status: %w", err))
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

// CleanupOldTasks purges terminal tasks completed before now-olderThan.
func (s *PostgresTaskStore) CleanupOldTasks(
	ctx context.Context,
	olderThan time.Duration,
) (int64, error) {
	log := logger.FromContext(ctx)
	cutoff := time.Now().UTC().Add(-olderThan)

	query := `
		DELETE FROM tasks
		WHERE status IN ($1, $2)
		  AND completed_at IS NOT NULL
		  AND completed_at < $3
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.StatusSuccess, domain.StatusFailed, cutoff)
	if err != nil {
		log.Error("failed to clean up old tasks", "error", err)
		return 0, MapError(fmt.Errorf("failed to clean up old tasks: %w", err))
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

// GetTaskStats returns aggregate task counts.
func (s *PostgresTaskStore) GetTaskStats(ctx context.Context) (*domain.TaskStats, error) {
	stats := &domain.TaskStats{
		ByStatus: make(map[domain.TaskStatus]int64),
		ByType:   make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, type, COUNT(*) FROM tasks GROUP BY status, type`)
	if err != nil {
		return nil, MapError(fmt.Errorf("failed to query task stats: %w", err))
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

// scanTask reads one task row in taskColumns order.
func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var input []byte
	var output []byte
	var errMsg sql.NullString
	var lastAttemptAt, runAfter, completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Type,
		&input,
		&task.Status,
		&task.Version,
		&task.Attempts,
		&lastAttemptAt,
		&output,
		&errMsg,
		&runAfter,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Input = json.RawMessage(input)
	if output != nil {
		task.Output = json.RawMessage(output)
	}
	task.Error = errMsg.String
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time.UTC()
		task.LastAttemptAt = &t
	}
	if runAfter.Valid {
		t := runAfter.Time.UTC()
		task.RunAfter = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		task.CompletedAt = &t
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()

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

// nullableString maps "" to NULL so empty error text is not stored.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableJSON maps an absent payload to NULL.
func nullableJSON(j json.RawMessage) any {
	if len(j) == 0 {
		return nil
	}
	return []byte(j)
}
