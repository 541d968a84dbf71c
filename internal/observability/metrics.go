package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
	// Step occupancy is measured in hours: from under an hour to a month.
	stepHoursBuckets = []float64{1, 4, 8, 24, 48, 72, 120, 240, 480, 720}
)

// Metrics holds all Prometheus metric instruments for the service. All
// recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowStepDuration     *prometheus.HistogramVec
	WorkflowOverdue          *prometheus.GaugeVec
	SLAChecksTotal           *prometheus.CounterVec

	// Ingress metrics
	AutostartEventsTotal    *prometheus.CounterVec
	IdempotencyReplaysTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmisflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pmisflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pmisflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pmisflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmisflow_workflow_transitions_total",
			Help: "Total number of workflow transitions by module and audit action.",
		}, []string{"module", "action"}),
		WorkflowStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pmisflow_workflow_step_duration_hours",
			Help:    "Hours an instance spent at a step before leaving it.",
			Buckets: stepHoursBuckets,
		}, []string{"module"}),
		WorkflowOverdue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pmisflow_workflow_overdue",
			Help: "Running instances past their current step's SLA deadline.",
		}, []string{"module"}),
		SLAChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmisflow_sla_checks_total",
			Help: "Total number of SLA monitor runs by outcome.",
		}, []string{"status"}),

		// Ingress
		AutostartEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmisflow_autostart_events_total",
			Help: "Total number of submission events consumed by outcome.",
		}, []string{"result"}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmisflow_idempotency_replays_total",
			Help: "Total number of responses replayed for a repeated idempotency key.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmisflow_definition_reload_total",
			Help: "Total number of definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmisflow_definitions_loaded",
			Help: "Number of definition files currently loaded.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowTransitionsTotal,
		m.WorkflowStepDuration,
		m.WorkflowOverdue,
		m.SLAChecksTotal,
		m.AutostartEventsTotal,
		m.IdempotencyReplaysTotal,
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition counts one workflow transition.
func (m *Metrics) RecordTransition(module, action string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(module, action).Inc()
}

// ObserveStepDuration records the hours spent at a step that was just left.
func (m *Metrics) ObserveStepDuration(module string, hours float64) {
	if m == nil {
		return
	}
	m.WorkflowStepDuration.WithLabelValues(module).Observe(hours)
}

// SetOverdue publishes overdue counts per module. Modules missing from counts
// are reset to zero.
func (m *Metrics) SetOverdue(counts map[string]int, modules []string) {
	if m == nil {
		return
	}
	for _, mod := range modules {
		m.WorkflowOverdue.WithLabelValues(mod).Set(float64(counts[mod]))
	}
}

// RecordSLACheck counts one SLA monitor run.
func (m *Metrics) RecordSLACheck(status string) {
	if m == nil {
		return
	}
	m.SLAChecksTotal.WithLabelValues(status).Inc()
}

// RecordAutostartEvent counts one consumed submission event.
func (m *Metrics) RecordAutostartEvent(result string) {
	if m == nil {
		return
	}
	m.AutostartEventsTotal.WithLabelValues(result).Inc()
}

// RecordIdempotencyReplay counts one replayed response.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// RecordDefinitionReload records a definition reload event.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definition files.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
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

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
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
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
