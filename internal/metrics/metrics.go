// Package metrics provides Prometheus metrics for the UniDrive server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unidrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unidrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Backend connection metrics
	backendConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unidrive_backend_connects_total",
			Help: "Total backend account connect attempts",
		},
		[]string{"service", "result"},
	)

	backendHandlesOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unidrive_backend_handles_open",
			Help: "Currently open backend account handles",
		},
	)

	backendOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unidrive_backend_op_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "op"},
	)

	// Federated search metrics
	searchFanoutBackends = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unidrive_search_fanout_backends",
			Help:    "Number of backends queried per federated search",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	searchBackendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unidrive_search_backend_failures_total",
			Help: "Backend failures swallowed during fan-out search",
		},
		[]string{"service"},
	)

	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unidrive_search_duration_seconds",
			Help:    "End-to-end federated search duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transfer metrics
	transferFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unidrive_transfer_files_total",
			Help: "Files copied by the storage transfer engine",
		},
		[]string{"mode"},
	)

	transferWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unidrive_transfer_warnings_total",
			Help: "Warnings synthesized during folder transfers",
		},
		[]string{"kind"},
	)

	transferAbortsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unidrive_transfer_aborts_total",
			Help: "Folder transfers rolled back after a failure",
		},
	)

	// Event bus metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unidrive_events_published_total",
			Help: "Change-notification events published",
		},
		[]string{"topic"},
	)
)

// RecordHTTPRequest records an HTTP request with its status and duration.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBackendConnect records a backend connect attempt.
func RecordBackendConnect(service string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	backendConnectsTotal.WithLabelValues(service, result).Inc()
}

// SetBackendHandlesOpen sets the open-handle gauge.
func SetBackendHandlesOpen(n int64) {
	backendHandlesOpen.Set(float64(n))
}

// ObserveBackendOp records one backend operation's duration.
func ObserveBackendOp(service, op string, duration time.Duration) {
	backendOpDuration.WithLabelValues(service, op).Observe(duration.Seconds())
}

// RecordSearchFanout records how many backends a search touched.
func RecordSearchFanout(backends int) {
	searchFanoutBackends.Observe(float64(backends))
}

// RecordSearchBackendFailure records a swallowed per-backend search failure.
func RecordSearchBackendFailure(service string) {
	searchBackendFailures.WithLabelValues(service).Inc()
}

// ObserveSearchDuration records an end-to-end search duration.
func ObserveSearchDuration(duration time.Duration) {
	searchDuration.Observe(duration.Seconds())
}

// RecordTransferFile counts one transferred file in the given mode
// ("dry-run" or "commit").
func RecordTransferFile(mode string) {
	transferFilesTotal.WithLabelValues(mode).Inc()
}

// RecordTransferWarning counts one synthesized transfer warning.
func RecordTransferWarning(kind string) {
	transferWarningsTotal.WithLabelValues(kind).Inc()
}

// RecordTransferAbort counts one rolled-back transfer.
func RecordTransferAbort() {
	transferAbortsTotal.Inc()
}

// RecordEventPublished counts one published change notification.
func RecordEventPublished(topic string) {
	eventsPublishedTotal.WithLabelValues(topic).Inc()
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
