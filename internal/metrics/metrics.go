// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics registers the Prometheus instrumentation exposed by the
// monitoring API's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilesProcessedTotal counts files that reached a completed status.
	FilesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metamapctl_files_processed_total",
		Help: "Total number of files successfully processed.",
	})

	// FilesFailedTotal counts files that reached a failed status.
	FilesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metamapctl_files_failed_total",
		Help: "Total number of files that failed processing.",
	})

	// WorkerPoolSize reports the current worker scheduler parallelism W.
	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metamapctl_worker_pool_size",
		Help: "Current number of concurrent scheduler workers.",
	})

	// HandlePoolCreated reports the number of annotator handles created so far.
	HandlePoolCreated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metamapctl_handle_pool_created",
		Help: "Number of annotator handles currently created in the instance pool.",
	})

	// CircuitBreakerState reports 0=closed 1=half-open 2=open per service.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metamapctl_circuit_breaker_state",
		Help: "Circuit breaker state per service (0=closed, 1=half-open, 2=open).",
	}, []string{"service"})

	// ServiceConsecutiveFailures reports the health monitor's failure streak.
	ServiceConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metamapctl_service_consecutive_failures",
		Help: "Consecutive failed health probes per service.",
	}, []string{"service"})

	// RetryAttemptsTotal counts retry attempts made by the retry controller.
	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metamapctl_retry_attempts_total",
		Help: "Total retry attempts per file, labeled by outcome.",
	}, []string{"outcome"})

	// FileProcessingDuration records per-file annotator invocation latency.
	FileProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metamapctl_file_processing_duration_seconds",
		Help:    "Per-file annotator invocation duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// DroppedEventsTotal counts progress events discarded because a
	// subscriber could not keep up within the bus's send timeout.
	DroppedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metamapctl_eventbus_dropped_events_total",
		Help: "Total progress events dropped due to a slow subscriber.",
	})

	// apiRequestsTotal counts monitoring API requests by method, path, status.
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metamapctl_api_requests_total",
		Help: "Total monitoring API requests.",
	}, []string{"method", "path", "status"})

	// apiRequestDuration records monitoring API request latency.
	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metamapctl_api_request_duration_seconds",
		Help:    "Monitoring API request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// apiActiveRequests reports requests currently in flight.
	apiActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metamapctl_api_active_requests",
		Help: "Number of monitoring API requests currently being handled.",
	})
)

// RecordAPIRequest records one completed monitoring API request.
func RecordAPIRequest(method, path, status string, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(method, path, status).Inc()
	apiRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// TrackActiveRequest increments (active=true) or decrements (active=false)
// the in-flight monitoring API request gauge.
func TrackActiveRequest(active bool) {
	if active {
		apiActiveRequests.Inc()
	} else {
		apiActiveRequests.Dec()
	}
}

// ObserveFileDuration records a file-processing duration in seconds.
func ObserveFileDuration(d time.Duration) {
	FileProcessingDuration.Observe(d.Seconds())
}
