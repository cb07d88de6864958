package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for checkpoint intake, task lifecycle and the HTTP surface
var (
	CheckpointsAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securetrack_checkpoints_accepted_total",
			Help: "Total number of accepted checkpoint submissions",
		},
		[]string{"event_type"},
	)

	CheckpointsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securetrack_checkpoints_rejected_total",
			Help: "Total number of rejected checkpoint submissions",
		},
		[]string{"event_type", "reason"},
	)

	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securetrack_task_transitions_total",
			Help: "Total number of committed task status transitions",
		},
		[]string{"from", "to"},
	)

	TasksCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securetrack_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)

	AuditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securetrack_audit_entries_total",
			Help: "Total number of audit entries appended",
		},
		[]string{"action"},
	)

	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securetrack_logins_total",
			Help: "Total number of login attempts by outcome",
		},
		[]string{"outcome"},
	)

	EvidenceUploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "securetrack_evidence_upload_bytes",
			Help:    "Size of checkpoint images streamed to object storage",
			Buckets: prometheus.ExponentialBuckets(16<<10, 4, 7),
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securetrack_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "securetrack_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CheckpointsAcceptedTotal,
			CheckpointsRejectedTotal,
			TaskTransitionsTotal,
			TasksCreatedTotal,
			AuditEntriesTotal,
			LoginsTotal,
			EvidenceUploadBytes,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}
