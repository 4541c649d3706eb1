package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task-specific validation errors
var (
	// ErrTaskIDEmpty is returned when a task ID is empty or nil.
	ErrTaskIDEmpty = errors.New("task ID cannot be empty")

	// ErrTaskTypeEmpty is returned when a task's type is empty.
	ErrTaskTypeEmpty = errors.New("task type cannot be empty")

	// ErrTaskInputEmpty is returned when a task's input payload is empty.
	ErrTaskInputEmpty = errors.New("task input cannot be empty")

	// ErrTaskInputInvalid is returned when a task's input is not valid JSON.
	ErrTaskInputInvalid = errors.New("task input must be valid JSON")

	// ErrTaskStatusInvalid is returned when a task carries an unknown status.
	ErrTaskStatusInvalid = errors.New("invalid task status")
)

// TaskStatus represents the current state of a task in its lifecycle.
type TaskStatus string

// Possible task status values. A task starts as StatusToDo, is claimed into
// StatusInProgress by exactly one worker, and ends in StatusSuccess or
// StatusFailed. A failed task with a retry gate becomes claim-eligible again
// once its run_after elapses, exactly like a to-do task.
const (
	StatusToDo       TaskStatus = "to-do"
	StatusInProgress TaskStatus = "in-progress"
	StatusSuccess    TaskStatus = "success"
	StatusFailed     TaskStatus = "failed"
)

// ValidTaskStatuses lists every status accepted by the store layer.
var ValidTaskStatuses = []TaskStatus{
	StatusToDo,
	StatusInProgress,
	StatusSuccess,
	StatusFailed,
}

// IsValid reports whether s is one of the known task statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is a state the worker loop never acts on
// by itself. StatusFailed is only conditionally terminal: a failed task is
// retried until its attempt budget is exhausted.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Task represents a unit of background work persisted in the task store.
// The store row is the single source of truth for queue state; Version is
// the optimistic-lock token guarding every mutation.
type Task struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	Input         json.RawMessage `json:"input"`
	Status        TaskStatus      `json:"status"`
	Version       int64           `json:"version"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	RunAfter      *time.Time      `json:"run_after,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NewTask creates a new Task of the given type with the given JSON input.
// The ID is a UUIDv7 so that lexical ordering follows creation time. The
// task starts in StatusToDo with version 0 and no attempts. runAfter may be
// nil for immediately-eligible tasks, or a future time for delayed scheduling.
// Returns an error if validation fails.
func NewTask(taskType string, input json.RawMessage, runAfter *time.Time) (*Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task ID: %w", err)
	}

	now := time.Now().UTC()
	task := &Task{
		ID:        id,
		Type:      taskType,
		Input:     input,
		Status:    StatusToDo,
		Version:   0,
		Attempts:  0,
		RunAfter:  runAfter,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
// Returns an error if any field fails validation.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrTaskIDEmpty
	}

	if t.Type == "" {
		return ErrTaskTypeEmpty
	}

	if len(t.Input) == 0 {
		return ErrTaskInputEmpty
	}

	var js json.RawMessage
	if err := json.Unmarshal(t.Input, &js); err != nil {
		return ErrTaskInputInvalid
	}

	if !t.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrTaskStatusInvalid, t.Status)
	}

	return nil
}

// Eligible reports whether the task may be claimed at the given instant.
// A to-do task is eligible once its run_after gate (if any) has elapsed. A
// failed task is eligible only with a non-null, elapsed run_after: every
// retryable failure writes one, so a failed task without a retry gate is
// permanently done (a missing-handler failure). Eligibility does not check
// the attempt budget; that limit belongs to the store query and executor,
// which know the configured maximum.
func (t *Task) Eligible(now time.Time) bool {
	switch t.Status {
	case StatusToDo:
		return t.RunAfter == nil || !t.RunAfter.After(now)
	case StatusFailed:
		return t.RunAfter != nil && !t.RunAfter.After(now)
	}
	return false
}

// TaskStats holds aggregate task counts for the observability surface.
type TaskStats struct {
	Total    int64                `json:"total"`
	ByStatus map[TaskStatus]int64 `json:"by_status"`
	ByType   map[string]int64     `json:"by_type"`
}
