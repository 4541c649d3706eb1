package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/queue-api/internal/api/shared"
	"github.com/phrazzld/queue-api/internal/domain"
	"github.com/phrazzld/queue-api/internal/platform/logger"
	"github.com/phrazzld/queue-api/internal/store"
	"github.com/phrazzld/queue-api/internal/task"
)

// maxListLimit caps the page size of the listing endpoint.
const maxListLimit = 500

// TaskHandler handles task-related HTTP requests: the application-facing
// enqueue endpoint and the administrative inspection/mutation surface.
type TaskHandler struct {
	queue     *task.Queue
	taskStore store.TaskStore
	logger    *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(queue *task.Queue, taskStore store.TaskStore, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}

	return &TaskHandler{
		queue:     queue,
		taskStore: taskStore,
		logger:    logger.With(slog.String("component", "task_handler")),
	}
}

// Enqueue handles POST /tasks requests.
func (h *TaskHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.queue.Enqueue(r.Context(), req.Type, req.Input, task.EnqueueOptions{
		RunAfter: req.RunAfter,
	})
	if err != nil {
		switch {
		case errors.Is(err, task.ErrEmptyInput),
			errors.Is(err, domain.ErrTaskTypeEmpty),
			errors.Is(err, domain.ErrTaskInputInvalid):
			shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		default:
			log.Error("failed to enqueue task", slog.String("error", err.Error()))
			shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to enqueue task")
		}
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, EnqueueResponse{ID: id.String()})
}

// GetTask handles GET /admin/tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	id, ok := h.parseTaskID(w, r)
	if !ok {
		return
	}

	t, err := h.taskStore.GetTask(r.Context(), id)
	if err != nil {
		if store.IsNotFoundError(err) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
			return
		}
		log.Error("failed to get task", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to get task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(t))
}

// ListTasks handles GET /admin/tasks requests with optional type, status,
// limit, and offset query parameters.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	filter := store.TaskFilter{
		Type: r.URL.Query().Get("type"),
	}

	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		status := domain.TaskStatus(statusParam)
		if !status.IsValid() {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid status filter")
			return
		}
		filter.Status = status
	}

	var ok bool
	if filter.Limit, ok = h.parseIntParam(w, r, "limit", 50); !ok {
		return
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset, ok = h.parseIntParam(w, r, "offset", 0); !ok {
		return
	}

	tasks, err := h.taskStore.ListTasks(r.Context(), filter)
	if err != nil {
		log.Error("failed to list tasks", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	responses := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		responses[i] = NewTaskResponse(t)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

// RetryTask handles POST /admin/tasks/{id}/retry requests: it resets a
// failed task back to to-do with a fresh attempt budget, making it
// immediately claim-eligible. The reset is a conditioned update, so it
// cannot race with a worker claiming the task at the same moment.
func (h *TaskHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	id, ok := h.parseTaskID(w, r)
	if !ok {
		return
	}

	t, err := h.taskStore.GetTask(r.Context(), id)
	if err != nil {
		if store.IsNotFoundError(err) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
			return
		}
		log.Error("failed to get task for retry", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to get task")
		return
	}

	if t.Status != domain.StatusFailed {
		shared.RespondWithError(w, r, http.StatusConflict, "Only failed tasks can be retried")
		return
	}

	status := domain.StatusToDo
	attempts := 0
	updated, err := h.taskStore.UpdateTask(r.Context(), id, t.Version, store.TaskUpdate{
		Status:        &status,
		Attempts:      &attempts,
		ClearError:    true,
		ClearRunAfter: true,
	})
	if err != nil {
		if store.IsVersionConflict(err) {
			shared.RespondWithError(w, r, http.StatusConflict, "Task changed concurrently, retry the request")
			return
		}
		log.Error("failed to reset task", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to reset task")
		return
	}

	log.Info("task manually reset for retry",
		slog.String("task_id", id.String()),
		slog.String("task_type", updated.Type))
	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(updated))
}

// DeleteTask handles DELETE /admin/tasks/{id} requests.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	id, ok := h.parseTaskID(w, r)
	if !ok {
		return
	}

	if err := h.taskStore.DeleteTask(r.Context(), id); err != nil {
		if store.IsNotFoundError(err) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
			return
		}
		log.Error("failed to delete task", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to delete task")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteTasksByStatus handles DELETE /admin/tasks?status=... requests.
func (h *TaskHandler) DeleteTasksByStatus(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	status := domain.TaskStatus(r.URL.Query().Get("status"))
	if !status.IsValid() {
		shared.RespondWithError(w, r, http.StatusBadRequest, "A valid status query parameter is required")
		return
	}

	count, err := h.taskStore.DeleteTasksByStatus(r.Context(), status)
	if err != nil {
		log.Error("failed to delete tasks by status", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to delete tasks")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, CountResponse{Count: count})
}

// CleanupTasks handles POST /admin/tasks/cleanup requests, purging terminal
// tasks older than the requested completion age.
func (h *TaskHandler) CleanupTasks(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OlderThanSeconds < 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "older_than_seconds must be non-negative")
		return
	}

	count, err := h.taskStore.CleanupOldTasks(r.Context(), time.Duration(req.OlderThanSeconds)*time.Second)
	if err != nil {
		log.Error("failed to clean up tasks", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to clean up tasks")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, CountResponse{Count: count})
}

// GetStats handles GET /admin/tasks/stats requests.
func (h *TaskHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	stats, err := h.taskStore.GetTaskStats(r.Context())
	if err != nil {
		log.Error("failed to get task stats", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to get task stats")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// parseTaskID extracts and validates the {id} URL parameter, writing the
// error response itself when the ID is malformed.
func (h *TaskHandler) parseTaskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return uuid.Nil, false
	}
	return id, true
}

// parseIntParam reads a non-negative integer query parameter with a default.
func (h *TaskHandler) parseIntParam(
	w http.ResponseWriter,
	r *http.Request,
	name string,
	def int,
) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid "+name+" parameter")
		return 0, false
	}
	return value, true
}
