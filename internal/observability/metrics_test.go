package observability

import (
	"net/http"
	"net/http/httptest"
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
		"qset_client_requests_total",
		"qset_client_request_duration_seconds",
		"qset_retries_total",
		"qset_circuit_breaker_state",
		"qset_bulk_operations",
		"qset_bulk_batches_total",
		"qset_aggregated_keys",
		"qset_etag_cache_hits_total",
		"qset_etag_cache_misses_total",
		"qset_http_requests_total",
		"qset_http_request_duration_seconds",
		"qset_endpoint_operations_total",
	}

	// Record a value for each metric so they appear in Gather.
	m.ObserveRequest("request", "get", 200, time.Millisecond)
	m.ObserveRetry()
	m.ObserveCircuitState(0)
	m.ObserveBulk("put", 3, "ok")
	m.ObserveAggregation(4)
	m.ObserveETag(true)
	m.ObserveETag(false)
	m.RecordHTTPRequest("PUT", "/api/endpoint/", 200, time.Millisecond)
	m.ObserveEndpointOperation("get", 200)

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

func TestObserveRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveRequest("bulk", "put", 200, 50*time.Millisecond)
	m.ObserveRequest("bulk", "PUT", 200, 20*time.Millisecond)
	m.ObserveRequest("request", "post", 400, 10*time.Millisecond)

	val := testutil.ToFloat64(m.ClientRequestsTotal.WithLabelValues("bulk", "PUT", "200"))
	if val != 2 {
		t.Errorf("bulk requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.ClientRequestsTotal.WithLabelValues("request", "POST", "400"))
	if val != 1 {
		t.Errorf("direct requests = %v, want 1", val)
	}
}

func TestObserveBulk(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveBulk("post", 2, "ok")
	m.ObserveBulk("post", 4, "error")

	if v := testutil.ToFloat64(m.BulkBatchesTotal.WithLabelValues("post", "error")); v != 1 {
		t.Errorf("failed batches = %v, want 1", v)
	}
	if count := testutil.CollectAndCount(m.BulkOperations); count == 0 {
		t.Error("expected bulk operations histogram to have observations")
	}
}

func TestObserveCircuitState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveCircuitState(2)
	if v := testutil.ToFloat64(m.CircuitBreakerState); v != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", v)
	}
	m.ObserveCircuitState(0)
	if v := testutil.ToFloat64(m.CircuitBreakerState); v != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", v)
	}
}

func TestObserveETag(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveETag(true)
	m.ObserveETag(true)
	m.ObserveETag(false)

	if hits := testutil.ToFloat64(m.ETagCacheHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(m.ETagCacheMissesTotal); misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestObserveRetryAndAggregation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveRetry()
	m.ObserveRetry()
	if v := testutil.ToFloat64(m.ClientRetriesTotal); v != 2 {
		t.Errorf("retries = %v, want 2", v)
	}

	m.ObserveAggregation(7)
	if count := testutil.CollectAndCount(m.AggregatedKeys); count == 0 {
		t.Error("expected aggregated keys histogram to have observations")
	}
}

func TestObserveEndpointOperation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveEndpointOperation("get", 404)
	if v := testutil.ToFloat64(m.EndpointOperationsTotal.WithLabelValues("GET", "404")); v != 1 {
		t.Errorf("endpoint operations = %v, want 1", v)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/{version}/user/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/user/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/{version}/user/", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/endpoint/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/endpoint/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/endpoint/", "502"))
	if val != 1 {
		t.Errorf("502 requests = %v, want 1", val)
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
		t.Errorf("requests total = %v, want 1", val)
	}
}
