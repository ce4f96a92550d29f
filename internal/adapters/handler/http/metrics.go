package http

import (
	"strconv"
	"time"

	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Poll cycle metrics
	pollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total number of poll cycles by outcome",
		},
		[]string{"outcome"}, // "applied", "lost", "anomaly", "stale"
	)

	fetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_failures_total",
			Help: "Total number of upstream fetch failures by class",
		},
		[]string{"class"}, // "network", "http_5xx", "http_4xx"
	)

	watchSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watch_sessions_active",
			Help: "Number of currently active watch sessions",
		},
	)

	watchesConnectionLost = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watch_sessions_connection_lost",
			Help: "Number of watch sessions currently in connection-lost backoff",
		},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watched_runs_total",
			Help: "Total number of watched runs by terminal status",
		},
		[]string{"status"},
	)

	parseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "log_parse_duration_seconds",
			Help:    "Time spent parsing accumulated log text per cycle",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics for WebSocket upgrade requests
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		// Wrap ResponseWriter to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordPollCycle increments the poll cycle counter for one outcome
func RecordPollCycle(outcome string) {
	pollCyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordFetchFailure increments the fetch failure counter for one class
func RecordFetchFailure(class string) {
	fetchFailuresTotal.WithLabelValues(class).Inc()
}

// RecordRunFinished records a watched run reaching a terminal status
func RecordRunFinished(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// SetActiveSessions sets the current number of active watch sessions
func SetActiveSessions(count int) {
	watchSessionsActive.Set(float64(count))
}

// SetConnectionLostSessions sets the number of sessions in backoff
func SetConnectionLostSessions(count int) {
	watchesConnectionLost.Set(float64(count))
}

// ObserveParseDuration records one parse pass
func ObserveParseDuration(d time.Duration) {
	parseDuration.Observe(d.Seconds())
}
