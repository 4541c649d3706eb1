package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phrazzld/queue-api/internal/api"
	apimiddleware "github.com/phrazzld/queue-api/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware. The admin surface carries no authentication of its own;
// deploy it behind a protected ingress.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.NewTraceMiddleware(app.logger))

	taskHandler := api.NewTaskHandler(app.queue, app.taskStore, app.logger)
	queueHandler := api.NewQueueHandler(app.runner, app.scheduler, app.logger)

	r.Post("/tasks", taskHandler.Enqueue)

	r.Route("/admin", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", taskHandler.ListTasks)
			r.Delete("/", taskHandler.DeleteTasksByStatus)
			r.Get("/stats", taskHandler.GetStats)
			r.Post("/cleanup", taskHandler.CleanupTasks)
			r.Get("/{id}", taskHandler.GetTask)
			r.Delete("/{id}", taskHandler.DeleteTask)
			r.Post("/{id}/retry", taskHandler.RetryTask)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Post("/pause", queueHandler.Pause)
			r.Post("/resume", queueHandler.Resume)
			r.Get("/status", queueHandler.Status)
			r.Put("/rate-limit", queueHandler.SetRateLimit)
		})
	})

	r.Get("/healthz", app.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// handleHealthz reports process liveness and, when a SQL store is in use,
// database reachability.
func (app *application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if app.db != nil {
		if err := app.db.PingContext(r.Context()); err != nil {
			app.logger.Error("Health check database ping failed", "error", err)
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		app.logger.Error("Failed to write health check response", "error", err)
	}
}
