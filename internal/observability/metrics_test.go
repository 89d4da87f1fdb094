package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"careflow_http_requests_total",
		"careflow_http_request_duration_seconds",
		"careflow_http_request_size_bytes",
		"careflow_http_response_size_bytes",
		"careflow_instance_starts_total",
		"careflow_instance_completions_total",
		"careflow_active_instances",
		"careflow_completion_conflicts_total",
		"careflow_step_dispatches_total",
		"careflow_step_dispatch_duration_seconds",
		"careflow_step_retries_total",
		"careflow_timers_fired_total",
		"careflow_sla_events_total",
		"careflow_definitions_loaded",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordInstanceStart("admission")
	m.RecordInstanceEnd("admission", "completed")
	m.RecordCompletionConflict("admission")
	m.RecordStepDispatch("task", "waiting", time.Millisecond)
	m.RecordStepRetry("api_call")
	m.RecordTimerFired("timeout")
	m.RecordSLAEvent("admission", "sla_warning")
	m.SetDefinitionsLoaded(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/instances/{id}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/v1/instances/{id}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/v1/instances/{id}/complete", 409, 20*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{id}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/instances/{id}/complete", "409"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordInstanceLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordInstanceStart("admission")
	m.RecordInstanceStart("admission")
	m.RecordInstanceStart("discharge")
	m.RecordInstanceEnd("admission", "completed")

	if v := testutil.ToFloat64(m.InstanceStartsTotal.WithLabelValues("admission")); v != 2 {
		t.Errorf("admission starts = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ActiveInstances.WithLabelValues("admission")); v != 1 {
		t.Errorf("admission active = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ActiveInstances.WithLabelValues("discharge")); v != 1 {
		t.Errorf("discharge active = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.InstanceCompletionsTotal.WithLabelValues("admission", "completed")); v != 1 {
		t.Errorf("admission completions = %v, want 1", v)
	}
}

func TestRecordStepDispatch(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStepDispatch("api_call", "completed", 30*time.Millisecond)
	m.RecordStepDispatch("api_call", "failed", 2*time.Second)
	m.RecordStepDispatch("task", "waiting", time.Millisecond)

	if v := testutil.ToFloat64(m.StepDispatchesTotal.WithLabelValues("api_call", "failed")); v != 1 {
		t.Errorf("failed api_call dispatches = %v, want 1", v)
	}
	if n := testutil.CollectAndCount(m.StepDuration); n != 2 {
		t.Errorf("step duration series = %d, want 2", n)
	}
}

func TestRecordRetriesTimersAndSLA(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStepRetry("api_call")
	m.RecordStepRetry("api_call")
	m.RecordTimerFired("sla")
	m.RecordTimerFired("timeout")
	m.RecordSLAEvent("admission", "sla_warning")
	m.RecordSLAEvent("admission", "sla_breach")
	m.RecordCompletionConflict("admission")

	if v := testutil.ToFloat64(m.StepRetriesTotal.WithLabelValues("api_call")); v != 2 {
		t.Errorf("retries = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.TimersFiredTotal.WithLabelValues("sla")); v != 1 {
		t.Errorf("sla timers = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SLAEventsTotal.WithLabelValues("admission", "sla_breach")); v != 1 {
		t.Errorf("sla breaches = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.CompletionConflictsTotal.WithLabelValues("admission")); v != 1 {
		t.Errorf("conflicts = %v, want 1", v)
	}
}

func TestSetDefinitionsLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetDefinitionsLoaded(10)
	if v := testutil.ToFloat64(m.DefinitionsLoaded); v != 10 {
		t.Errorf("definitions loaded = %v, want 10", v)
	}
	m.SetDefinitionsLoaded(4)
	if v := testutil.ToFloat64(m.DefinitionsLoaded); v != 4 {
		t.Errorf("definitions loaded = %v, want 4", v)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/wf-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesResponseSize(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	count := testutil.CollectAndCount(m.HTTPResponseSizeBytes)
	if count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/instances/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/instances/wf-1/complete", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/instances/{id}/complete", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordInstanceStart("admission")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `careflow_instance_starts_total{definition_id="admission"} 1`) {
		t.Errorf("body missing instance start counter:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http": httpDurationBuckets,
		"step": stepDurationBuckets,
		"body": bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
