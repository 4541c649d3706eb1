package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/phrazzld/queue-api/internal/api/shared"
	"github.com/phrazzld/queue-api/internal/platform/logger"
	"github.com/phrazzld/queue-api/internal/task"
)

// QueueHandler exposes runtime control over the worker loop: pausing and
// resuming claims and adjusting the dispatch rate limit. Changes apply to
// this process only and do not survive a restart.
type QueueHandler struct {
	runner    *task.Runner
	scheduler *task.Scheduler
	logger    *slog.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(runner *task.Runner, scheduler *task.Scheduler, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for QueueHandler")
	}

	return &QueueHandler{
		runner:    runner,
		scheduler: scheduler,
		logger:    logger.With(slog.String("component", "queue_handler")),
	}
}

// Pause handles POST /admin/queue/pause requests. A paused runner keeps
// polling and recovering stale tasks but claims no new work.
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	h.runner.Pause()
	log.Info("queue paused")
	shared.RespondWithJSON(w, r, http.StatusOK, h.status())
}

// Resume handles POST /admin/queue/resume requests.
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	h.runner.Resume()
	log.Info("queue resumed")
	shared.RespondWithJSON(w, r, http.StatusOK, h.status())
}

// Status handles GET /admin/queue/status requests.
func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.status())
}

// SetRateLimit handles PUT /admin/queue/rate-limit requests. A max_rps of
// zero disables rate limiting entirely.
func (h *QueueHandler) SetRateLimit(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req RateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MaxRPS < 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "max_rps must be non-negative")
		return
	}

	h.scheduler.SetMaxRPS(req.MaxRPS)
	log.Info("dispatch rate limit updated", slog.Float64("max_rps", req.MaxRPS))
	shared.RespondWithJSON(w, r, http.StatusOK, h.status())
}

func (h *QueueHandler) status() QueueStatusResponse {
	return QueueStatusResponse{
		Paused: h.runner.Paused(),
		MaxRPS: h.scheduler.MaxRPS(),
	}
}
