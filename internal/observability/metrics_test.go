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
		"pmisflow_http_requests_total",
		"pmisflow_http_request_duration_seconds",
		"pmisflow_http_request_size_bytes",
		"pmisflow_http_response_size_bytes",
		"pmisflow_workflow_transitions_total",
		"pmisflow_workflow_step_duration_hours",
		"pmisflow_workflow_overdue",
		"pmisflow_sla_checks_total",
		"pmisflow_autostart_events_total",
		"pmisflow_idempotency_replays_total",
		"pmisflow_definition_reload_total",
		"pmisflow_definitions_loaded",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordTransition("RA_BILL", "FORWARD")
	m.ObserveStepDuration("RA_BILL", 3)
	m.SetOverdue(map[string]int{"RA_BILL": 1}, []string{"RA_BILL"})
	m.RecordSLACheck("success")
	m.RecordAutostartEvent("started")
	m.RecordIdempotencyReplay()
	m.RecordDefinitionReload("success")
	m.SetDefinitionsLoaded(5)

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

func TestMetrics_nilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordTransition("RA_BILL", "FORWARD")
	m.ObserveStepDuration("RA_BILL", 1)
	m.SetOverdue(nil, []string{"RA_BILL"})
	m.RecordAutostartEvent("started")
	m.RecordIdempotencyReplay()
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/v1/workflows/{instanceId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/api/v1/workflows/{instanceId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/api/v1/workflows/{instanceId}/forward", 500, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/workflows/{instanceId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/workflows/{instanceId}/forward", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordTransition(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTransition("RA_BILL", "FORWARD")
	m.RecordTransition("RA_BILL", "FORWARD")
	m.RecordTransition("TENDER", "REJECT")

	if v := testutil.ToFloat64(m.WorkflowTransitionsTotal.WithLabelValues("RA_BILL", "FORWARD")); v != 2 {
		t.Errorf("RA_BILL forwards = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.WorkflowTransitionsTotal.WithLabelValues("TENDER", "REJECT")); v != 1 {
		t.Errorf("TENDER rejects = %v, want 1", v)
	}
}

func TestObserveStepDuration(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveStepDuration("RA_BILL", 26.5)

	count := testutil.CollectAndCount(m.WorkflowStepDuration)
	if count == 0 {
		t.Error("expected step duration histogram to have observations")
	}
}

func TestSetOverdue_resetsMissingModules(t *testing.T) {
	m, _ := newTestMetrics(t)
	modules := []string{"RA_BILL", "TENDER"}

	m.SetOverdue(map[string]int{"RA_BILL": 3, "TENDER": 1}, modules)
	m.SetOverdue(map[string]int{"RA_BILL": 2}, modules)

	if v := testutil.ToFloat64(m.WorkflowOverdue.WithLabelValues("RA_BILL")); v != 2 {
		t.Errorf("RA_BILL overdue = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.WorkflowOverdue.WithLabelValues("TENDER")); v != 0 {
		t.Errorf("TENDER overdue = %v, want 0", v)
	}
}

func TestRecordAutostartAndReplay(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordAutostartEvent("started")
	m.RecordAutostartEvent("failed")
	m.RecordAutostartEvent("started")
	m.RecordIdempotencyReplay()

	if v := testutil.ToFloat64(m.AutostartEventsTotal.WithLabelValues("started")); v != 2 {
		t.Errorf("started = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.IdempotencyReplaysTotal); v != 1 {
		t.Errorf("replays = %v, want 1", v)
	}
}

func TestRecordDefinitionReload(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDefinitionReload("success")
	m.RecordDefinitionReload("failure")

	success := testutil.ToFloat64(m.DefinitionReloadTotal.WithLabelValues("success"))
	if success != 1 {
		t.Errorf("reload success = %v, want 1", success)
	}
	failure := testutil.ToFloat64(m.DefinitionReloadTotal.WithLabelValues("failure"))
	if failure != 1 {
		t.Errorf("reload failure = %v, want 1", failure)
	}
}

func TestSetDefinitionsLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetDefinitionsLoaded(5)
	val := testutil.ToFloat64(m.DefinitionsLoaded)
	if val != 5 {
		t.Errorf("definitions loaded = %v, want 5", val)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/v1/workflows/{instanceId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/workflows/{instanceId}", "200"))
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

	// Response size should have been recorded.
	count := testutil.CollectAndCount(m.HTTPResponseSizeBytes)
	if count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/v1/workflows/{instanceId}/forward", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-1/forward", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/workflows/{instanceId}/forward", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
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

	// Without chi, should fall back to raw path.
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
	body := rec.Body.String()
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(body, "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":  httpDurationBuckets,
		"body":  bodySizeBuckets,
		"hours": stepHoursBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
