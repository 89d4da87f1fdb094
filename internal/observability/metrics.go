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
	stepDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine and its
// HTTP surface. It implements workflow.Recorder.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Instance metrics
	InstanceStartsTotal      *prometheus.CounterVec
	InstanceCompletionsTotal *prometheus.CounterVec
	ActiveInstances          *prometheus.GaugeVec
	CompletionConflictsTotal *prometheus.CounterVec

	// Step metrics
	StepDispatchesTotal *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	StepRetriesTotal    *prometheus.CounterVec

	// Timer and SLA metrics
	TimersFiredTotal *prometheus.CounterVec
	SLAEventsTotal   *prometheus.CounterVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Instances
		InstanceStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_instance_starts_total",
			Help: "Total number of process instances started.",
		}, []string{"definition_id"}),
		InstanceCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_instance_completions_total",
			Help: "Total number of process instances that reached a final status.",
		}, []string{"definition_id", "final_status"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "careflow_active_instances",
			Help: "Number of instances started by this process and not yet ended.",
		}, []string{"definition_id"}),
		CompletionConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_completion_conflicts_total",
			Help: "Total number of step completions rejected as stale or duplicate.",
		}, []string{"definition_id"}),

		// Steps
		StepDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_step_dispatches_total",
			Help: "Total number of step dispatches.",
		}, []string{"kind", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careflow_step_dispatch_duration_seconds",
			Help:    "Step dispatch duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"kind"}),
		StepRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_step_retries_total",
			Help: "Total number of step retries scheduled.",
		}, []string{"kind"}),

		// Timers
		TimersFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_timers_fired_total",
			Help: "Total number of timers delivered to the engine.",
		}, []string{"kind"}),
		SLAEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_sla_events_total",
			Help: "Total number of SLA warnings and breaches.",
		}, []string{"definition_id", "kind"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "careflow_definitions_loaded",
			Help: "Number of published definition versions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Instances
		m.InstanceStartsTotal,
		m.InstanceCompletionsTotal,
		m.ActiveInstances,
		m.CompletionConflictsTotal,
		// Steps
		m.StepDispatchesTotal,
		m.StepDuration,
		m.StepRetriesTotal,
		// Timers
		m.TimersFiredTotal,
		m.SLAEventsTotal,
		// System
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInstanceStart records an instance start.
func (m *Metrics) RecordInstanceStart(definitionID string) {
	m.InstanceStartsTotal.WithLabelValues(definitionID).Inc()
	m.ActiveInstances.WithLabelValues(definitionID).Inc()
}

// RecordInstanceEnd records an instance reaching a final status.
func (m *Metrics) RecordInstanceEnd(definitionID, status string) {
	m.InstanceCompletionsTotal.WithLabelValues(definitionID, status).Inc()
	m.ActiveInstances.WithLabelValues(definitionID).Dec()
}

// RecordStepDispatch records one dispatch of a step and how it went.
func (m *Metrics) RecordStepDispatch(kind, outcome string, d time.Duration) {
	m.StepDispatchesTotal.WithLabelValues(kind, outcome).Inc()
	m.StepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordStepRetry records a scheduled retry.
func (m *Metrics) RecordStepRetry(kind string) {
	m.StepRetriesTotal.WithLabelValues(kind).Inc()
}

// RecordTimerFired records a timer delivered to the engine.
func (m *Metrics) RecordTimerFired(kind string) {
	m.TimersFiredTotal.WithLabelValues(kind).Inc()
}

// RecordSLAEvent records an SLA warning or breach.
func (m *Metrics) RecordSLAEvent(definitionID, kind string) {
	m.SLAEventsTotal.WithLabelValues(definitionID, kind).Inc()
}

// RecordCompletionConflict records a rejected completion.
func (m *Metrics) RecordCompletionConflict(definitionID string) {
	m.CompletionConflictsTotal.WithLabelValues(definitionID).Inc()
}

// SetDefinitionsLoaded sets the number of published definition versions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
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

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
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
