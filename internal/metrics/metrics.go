// Package metrics provides Prometheus metrics for monitoring run tracking, process sampling and retention.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nadmax/runledger/internal/task"
)

var (
	IncrementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_subtask_increments_total",
			Help: "Total number of subtask counter increments by outcome",
		},
		[]string{"result"},
	)
	IncrementRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runledger_subtask_increment_retries_total",
			Help: "Total number of increment attempts retried after write contention",
		},
	)
	RunTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_run_transitions_total",
			Help: "Total number of run status transitions by target status",
		},
		[]string{"status"},
	)
	SubtaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_subtask_transitions_total",
			Help: "Total number of subtask status transitions by target status",
		},
		[]string{"status"},
	)
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runledger_operation_duration_seconds",
			Help:    "Tracker operation duration in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)
	RunsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runledger_runs",
			Help: "Current number of runs by status",
		},
		[]string{"status"},
	)
	ReporterSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_reporter_samples_total",
			Help: "Total number of process samples by outcome",
		},
		[]string{"outcome"},
	)
	ReporterCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runledger_reporter_cycle_duration_seconds",
			Help:    "Duration of one reporter sampling cycle in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	ReporterActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runledger_reporter_active_runs",
			Help: "Number of active runs sampled in the last reporter cycle",
		},
	)
	RetentionRunsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_retention_runs_swept_total",
			Help: "Total number of runs selected by the retention sweeper",
		},
		[]string{"mode"},
	)
	RetentionMetricsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runledger_retention_metrics_deleted_total",
			Help: "Total number of process metric samples deleted by retention",
		},
	)
	LiveEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_live_events_total",
			Help: "Total number of live progress events published",
		},
		[]string{"result"},
	)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_notifications_total",
			Help: "Total number of failure notifications sent",
		},
		[]string{"result"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runledger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordIncrement(result string) {
	IncrementsTotal.WithLabelValues(result).Inc()
}

func RecordIncrementRetry() {
	IncrementRetries.Inc()
}

func RecordRunTransition(status task.Status) {
	RunTransitions.WithLabelValues(string(status)).Inc()
}

func RecordSubtaskTransition(status task.Status) {
	SubtaskTransitions.WithLabelValues(string(status)).Inc()
}

func RecordOperation(operation string, duration time.Duration) {
	OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func UpdateRunGauges(runsByStatus map[task.Status]int) {
	RunsByStatus.Reset()
	for status, count := range runsByStatus {
		RunsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func RecordSample(outcome string) {
	ReporterSamples.WithLabelValues(outcome).Inc()
}

func RecordReporterCycle(duration time.Duration, activeRuns int) {
	ReporterCycleDuration.Observe(duration.Seconds())
	ReporterActiveRuns.Set(float64(activeRuns))
}

func RecordRetentionSweep(dryRun bool, runs int, deleted int64) {
	mode := "delete"
	if dryRun {
		mode = "dry_run"
	}
	RetentionRunsSwept.WithLabelValues(mode).Add(float64(runs))
	if !dryRun {
		RetentionMetricsDeleted.Add(float64(deleted))
	}
}

func RecordLiveEvent(err error) {
	LiveEvents.WithLabelValues(resultLabel(err)).Inc()
}

func RecordNotification(err error) {
	Notifications.WithLabelValues(resultLabel(err)).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
