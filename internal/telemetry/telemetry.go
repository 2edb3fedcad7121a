// Package telemetry provides Prometheus metrics for the coordinator.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crawlkit/coordinator/internal/workqueue"
)

var (
	itemsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_items_submitted_total",
			Help: "Total work items created, labeled by kind.",
		},
		[]string{"kind"},
	)

	claimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_claims_total",
			Help: "Total claim calls, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_transitions_total",
			Help: "Total item status transitions, labeled by kind and resulting status.",
		},
		[]string{"kind", "status"},
	)

	sweepReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_sweep_reclaimed_total",
			Help: "Total stale in-progress items returned to the pool by sweeps.",
		},
	)

	requeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_requeued_total",
			Help: "Total failed items re-admitted by the administrative requeue.",
		},
	)

	publishErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_publish_errors_total",
			Help: "Total failures publishing evaluated-page events.",
		},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests, labeled by method, route, and code.",
		},
		[]string{"method", "route", "code"},
	)
)

// RecordSubmit counts a newly created item.
func RecordSubmit(kind workqueue.Kind) {
	itemsSubmittedTotal.WithLabelValues(string(kind)).Inc()
}

// RecordClaim counts a claim call and its outcome.
func RecordClaim(kind workqueue.Kind, claimed bool) {
	outcome := "empty"
	if claimed {
		outcome = "claimed"
	}
	claimsTotal.WithLabelValues(string(kind), outcome).Inc()
}

// RecordTransition counts an item landing in a new status.
func RecordTransition(kind workqueue.Kind, status workqueue.Status) {
	transitionsTotal.WithLabelValues(string(kind), string(status)).Inc()
}

// RecordSweep counts items reclaimed by a sweep.
func RecordSweep(n int) {
	sweepReclaimedTotal.Add(float64(n))
}

// RecordRequeue counts items re-admitted by the administrative requeue.
func RecordRequeue(n int) {
	requeuedTotal.Add(float64(n))
}

// RecordPublishError counts a failed event publish.
func RecordPublishError() {
	publishErrorsTotal.Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		httpRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
