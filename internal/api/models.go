package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/queue-api/internal/domain"
)

// TaskResponse represents the response data for a task.
type TaskResponse struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Version       int64           `json:"version"`
	Attempts      int             `json:"attempts"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	RunAfter      *time.Time      `json:"run_after,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NewTaskResponse converts a domain task into its API representation.
func NewTaskResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID.String(),
		Type:          t.Type,
		Status:        string(t.Status),
		Version:       t.Version,
		Attempts:      t.Attempts,
		Input:         t.Input,
		Output:        t.Output,
		Error:         t.Error,
		LastAttemptAt: t.LastAttemptAt,
		RunAfter:      t.RunAfter,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		CompletedAt:   t.CompletedAt,
	}
}

// EnqueueRequest is the body of POST /tasks.
type EnqueueRequest struct {
	Type     string          `json:"type"`
	Input    json.RawMessage `json:"input"`
	RunAfter *time.Time      `json:"run_after,omitempty"`
}

// EnqueueResponse is the body returned for a successful enqueue.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// CleanupRequest is the body of POST /admin/tasks/cleanup.
type CleanupRequest struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
}

// CountResponse reports how many rows a bulk operation touched.
type CountResponse struct {
	Count int64 `json:"count"`
}

// QueueStatusResponse is the body of GET /admin/queue/status.
type QueueStatusResponse struct {
	Paused bool    `json:"paused"`
	MaxRPS float64 `json:"max_rps"`
}

// RateLimitRequest is the body of PUT /admin/queue/rate-limit.
type RateLimitRequest struct {
	MaxRPS float64 `json:"max_rps"`
}
