package observability

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/relay/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for relay.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Action metrics
	ActionsTotal             *prometheus.CounterVec
	ActionDuration           *prometheus.HistogramVec
	ActionValidationFailures *prometheus.CounterVec
	ActionsPending           prometheus.Gauge

	// Connection metrics
	ConnectionsActive *prometheus.GaugeVec
	VerbsTotal        *prometheus.CounterVec

	// Cache metrics
	CacheOperationsTotal *prometheus.CounterVec

	// System metrics
	ActionsRegistered prometheus.Gauge
	ActionReloadTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_actions_total",
			Help: "Total number of completed action invocations.",
		}, []string{"action", "status"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_action_duration_seconds",
			Help:    "Action invocation duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"action"}),
		ActionValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_action_validation_failures_total",
			Help: "Total number of invocations rejected for missing or invalid params.",
		}, []string{"action", "status"}),
		ActionsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_actions_pending",
			Help: "Number of action invocations in progress.",
		}),

		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Number of open connections.",
		}, []string{"type"}),
		VerbsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_verbs_total",
			Help: "Total number of connection verbs handled.",
		}, []string{"verb", "result"}),

		CacheOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cache_operations_total",
			Help: "Total number of cache operations.",
		}, []string{"operation", "result"}),

		ActionsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_actions_registered",
			Help: "Number of registered action versions.",
		}),
		ActionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_action_reload_total",
			Help: "Total action manifest reloads.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.ActionsTotal,
		m.ActionDuration,
		m.ActionValidationFailures,
		m.ActionsPending,
		m.ConnectionsActive,
		m.VerbsTotal,
		m.CacheOperationsTotal,
		m.ActionsRegistered,
		m.ActionReloadTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// ActionStarted tracks an invocation as pending.
func (m *Metrics) ActionStarted(_ context.Context, _ *model.ActionData) {
	m.ActionsPending.Inc()
}

// ActionCompleted records the outcome of an invocation. Unknown action names
// are folded into one label value to bound cardinality.
func (m *Metrics) ActionCompleted(_ context.Context, data *model.ActionData) {
	m.ActionsPending.Dec()

	action := data.Action
	if data.Definition == nil {
		action = "unknown"
	}
	status := data.Status.String()
	m.ActionsTotal.WithLabelValues(action, status).Inc()
	m.ActionDuration.WithLabelValues(action).Observe(data.Duration.Seconds())
	if data.Status == model.StatusMissingParams || data.Status == model.StatusValidatorErrors {
		m.ActionValidationFailures.WithLabelValues(action, status).Inc()
	}
}

// ConnectionOpened increments the open connection gauge for connType.
func (m *Metrics) ConnectionOpened(connType string) {
	m.ConnectionsActive.WithLabelValues(connType).Inc()
}

// ConnectionClosed decrements the open connection gauge for connType.
func (m *Metrics) ConnectionClosed(connType string) {
	m.ConnectionsActive.WithLabelValues(connType).Dec()
}

// RecordVerb records a handled connection verb. result is "ok" or "error".
func (m *Metrics) RecordVerb(verb, result string) {
	m.VerbsTotal.WithLabelValues(verb, result).Inc()
}

// RecordCacheOperation records a cache operation such as "load" with a
// result such as "hit", "miss" or "error".
func (m *Metrics) RecordCacheOperation(operation, result string) {
	m.CacheOperationsTotal.WithLabelValues(operation, result).Inc()
}

// SetActionsRegistered sets the number of registered action versions.
func (m *Metrics) SetActionsRegistered(count int) {
	m.ActionsRegistered.Set(float64(count))
}

// RecordActionReload records a manifest reload with status "success" or
// "failure".
func (m *Metrics) RecordActionReload(status string) {
	m.ActionReloadTotal.WithLabelValues(status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the metrics endpoint,
// serving metrics from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack lets websocket upgrades pass through the wrapper.
func (w *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(w.ResponseWriter)
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
