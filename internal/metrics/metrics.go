// Package metrics exposes Prometheus collectors for the media validator service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavalidator_checks_total",
			Help: "Media references classified, labeled by collection, verdict and reason.",
		},
		[]string{"collection", "status", "reason"},
	)

	malformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavalidator_malformed_total",
			Help: "Media field elements dropped during normalization, labeled by collection.",
		},
		[]string{"collection"},
	)

	probeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediavalidator_probe_duration_seconds",
			Help:    "Histogram of reachability probe latencies, labeled by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"outcome"},
	)

	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavalidator_batches_total",
			Help: "Batches processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavalidator_jobs_total",
			Help: "Validation jobs reaching a state, labeled by status.",
		},
		[]string{"status"},
	)

	repairItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavalidator_repair_items_total",
			Help: "Repair item outcomes, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediavalidator_tasks_total",
			Help: "Queue tasks handled, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediavalidator_active_workers",
			Help: "Number of workers currently handling a task.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediavalidator_rate_limit_delays_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"host"},
	)
)

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ReasonLabel collapses free-form reasons ("network-error: dial tcp ...") to a
// bounded label value.
func ReasonLabel(reason string) string {
	if i := strings.Index(reason, ":"); i >= 0 {
		reason = reason[:i]
	}
	if reason == "" {
		return "none"
	}
	return reason
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCheck records one classification verdict.
func ObserveCheck(collection, status, reason string) {
	checksTotal.WithLabelValues(collection, status, ReasonLabel(reason)).Inc()
}

// ObserveMalformed records dropped media elements.
func ObserveMalformed(collection string, n int) {
	if n > 0 {
		malformedTotal.WithLabelValues(collection).Add(float64(n))
	}
}

// ObserveProbe records one reachability probe.
func ObserveProbe(outcome string, duration time.Duration) {
	probeDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveBatch increments the batch counter for the given outcome.
func ObserveBatch(outcome string) {
	batchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveRepairItems adds n repair outcomes.
func ObserveRepairItems(outcome string, n int) {
	if n > 0 {
		repairItemsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveTask records how a queue task was settled.
func ObserveTask(kind, outcome string) {
	tasksTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
