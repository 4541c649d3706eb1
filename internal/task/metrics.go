package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for queue observability, exposed via /metrics.
var (
	// tasksProcessed counts execution outcomes by terminal disposition.
	// Labels:
	//   - status: "success", "retry", or "failed"
	//   - type: task type
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskq_processed_total",
		Help: "The total number of processed task attempts",
	}, []string{"status", "type"})

	// taskDuration tracks handler execution latency in seconds.
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskq_task_duration_seconds",
		Help:    "Duration of task handler execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// claimConflicts counts optimistic-lock races lost to another worker.
	// Routine under concurrent workers; a high rate relative to
	// taskq_processed_total suggests too many workers polling one store.
	claimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_claim_conflicts_total",
		Help: "The total number of lost optimistic-lock claim races",
	})

	// staleRecovered counts tasks reclassified by stale-worker recovery.
	staleRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_stale_recovered_total",
		Help: "The total number of stale in-progress tasks recovered",
	})

	// readyBatch records how many eligible tasks each poll cycle fetched.
	readyBatch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskq_ready_batch_size",
		Help: "Number of ready tasks fetched by the most recent poll cycle",
	})
)
