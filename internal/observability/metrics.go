package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	batchSizeBuckets       = []float64{1, 2, 5, 10, 25, 50, 100}
)

// Metrics holds all Prometheus metric instruments.
type Metrics struct {
	// Client metrics
	ClientRequestsTotal   *prometheus.CounterVec
	ClientRequestDuration *prometheus.HistogramVec
	ClientRetriesTotal    prometheus.Counter
	CircuitBreakerState   prometheus.Gauge

	// Bulk metrics
	BulkOperations   prometheus.Histogram
	BulkBatchesTotal *prometheus.CounterVec

	// Query metrics
	AggregatedKeys prometheus.Histogram

	// Cache metrics
	ETagCacheHitsTotal   prometheus.Counter
	ETagCacheMissesTotal prometheus.Counter

	// Endpoint metrics
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	EndpointOperationsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClientRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qset_client_requests_total",
			Help: "Total number of requests sent to the API.",
		}, []string{"kind", "method", "status"}),
		ClientRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qset_client_request_duration_seconds",
			Help:    "API request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"kind"}),
		ClientRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qset_retries_total",
			Help: "Total number of request retries.",
		}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qset_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		BulkOperations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qset_bulk_operations",
			Help:    "Number of operations per bulk batch.",
			Buckets: batchSizeBuckets,
		}),
		BulkBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qset_bulk_batches_total",
			Help: "Total number of bulk batches sent.",
		}, []string{"type", "outcome"}),

		AggregatedKeys: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qset_aggregated_keys",
			Help:    "Number of keys resolved per aggregated query.",
			Buckets: batchSizeBuckets,
		}),

		ETagCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qset_etag_cache_hits_total",
			Help: "Total ETag cache hits (304 answered from cache).",
		}),
		ETagCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qset_etag_cache_misses_total",
			Help: "Total ETag cache misses.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qset_http_requests_total",
			Help: "Total number of HTTP requests served by the bulk endpoint.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qset_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		EndpointOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qset_endpoint_operations_total",
			Help: "Total number of bulk operations executed by the endpoint.",
		}, []string{"method", "status"}),
	}

	reg.MustRegister(
		m.ClientRequestsTotal,
		m.ClientRequestDuration,
		m.ClientRetriesTotal,
		m.CircuitBreakerState,
		m.BulkOperations,
		m.BulkBatchesTotal,
		m.AggregatedKeys,
		m.ETagCacheHitsTotal,
		m.ETagCacheMissesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EndpointOperationsTotal,
	)

	return m
}

// --- Recording helpers ---

// ObserveRequest records one API round trip. kind is "request" or "bulk".
func (m *Metrics) ObserveRequest(kind, method string, status int, duration time.Duration) {
	m.ClientRequestsTotal.WithLabelValues(kind, strings.ToUpper(method), strconv.Itoa(status)).Inc()
	m.ClientRequestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveBulk records a sent batch and its outcome ("ok" or "error").
func (m *Metrics) ObserveBulk(bulkType string, operations int, outcome string) {
	m.BulkOperations.Observe(float64(operations))
	m.BulkBatchesTotal.WithLabelValues(bulkType, outcome).Inc()
}

// ObserveRetry records a request retry.
func (m *Metrics) ObserveRetry() {
	m.ClientRetriesTotal.Inc()
}

// ObserveCircuitState sets the circuit breaker state.
func (m *Metrics) ObserveCircuitState(state int) {
	m.CircuitBreakerState.Set(float64(state))
}

// ObserveETag records an ETag cache lookup.
func (m *Metrics) ObserveETag(hit bool) {
	if hit {
		m.ETagCacheHitsTotal.Inc()
		return
	}
	m.ETagCacheMissesTotal.Inc()
}

// ObserveAggregation records the number of keys resolved by one aggregated
// list request.
func (m *Metrics) ObserveAggregation(keys int) {
	m.AggregatedKeys.Observe(float64(keys))
}

// ObserveEndpointOperation records one operation executed by the endpoint.
func (m *Metrics) ObserveEndpointOperation(method string, status int) {
	m.EndpointOperationsTotal.WithLabelValues(strings.ToUpper(method), strconv.Itoa(status)).Inc()
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start))
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
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
