package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/queue-api/internal/domain"
	"github.com/phrazzld/queue-api/internal/store"
)

// EnqueueOptions customizes task creation.
type EnqueueOptions struct {
	// RunAfter delays the task's first execution until the given time.
	RunAfter *time.Time
}

// Queue is the application-facing surface of the task system: enqueue work
// and register the handlers that process it. Collaborators (vendor API
// wrappers, indexing glue) depend on this type rather than on the store.
type Queue struct {
	store    store.TaskStore
	registry *HandlerRegistry
	logger   *slog.Logger
}

// NewQueue creates a Queue over the given store and registry.
func NewQueue(taskStore store.TaskStore, registry *HandlerRegistry, logger *slog.Logger) *Queue {
	return &Queue{
		store:    taskStore,
		registry: registry,
		logger:   logger.With(slog.String("component", "queue")),
	}
}

// Enqueue creates a task of the given type with the given JSON input and
// persists it in to-do state. Returns ErrEmptyInput when input is empty.
func (q *Queue) Enqueue(
	ctx context.Context,
	taskType string,
	input json.RawMessage,
	opts EnqueueOptions,
) (uuid.UUID, error) {
	if len(input) == 0 {
		return uuid.Nil, ErrEmptyInput
	}

	task, err := domain.NewTask(taskType, input, opts.RunAfter)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create task: %w", err)
	}

	if err := q.store.CreateTask(ctx, task); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	var runAfter any
	if opts.RunAfter != nil {
		runAfter = *opts.RunAfter
	}
	q.logger.Info("task enqueued",
		slog.String("task_id", task.ID.String()),
		slog.String("task_type", taskType),
		slog.Any("run_after", runAfter))

	return task.ID, nil
}

// RegisterHandler binds a handler to a task type on this process's registry.
func (q *Queue) RegisterHandler(taskType string, handler Handler) error {
	return q.registry.Register(taskType, handler)
}
