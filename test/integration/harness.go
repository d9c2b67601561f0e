// Package integration provides a reusable test harness for end-to-end
// testing of query sets. It starts the bulk endpoint in front of a mock REST
// API derived from a schema document and wires a client, models, and views
// against it.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/qset/internal/config"
	"github.com/pitabwire/qset/internal/entity"
	"github.com/pitabwire/qset/internal/invoker"
	"github.com/pitabwire/qset/internal/observability"
	"github.com/pitabwire/qset/internal/openapi"
	"github.com/pitabwire/qset/internal/queryset"
	"github.com/pitabwire/qset/internal/transport"
	"github.com/pitabwire/qset/internal/views"
)

// TestHarness encapsulates a running bulk endpoint, its mock backend, and a
// client wired to both.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Backend  *MockBackend
	Client   *invoker.Client
	Models   *entity.Resolver
	Resolver *views.Resolver
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	schemaFile     string
	breaker        *config.CircuitBreakerConfig
	retry          *config.RetryConfig
	etags          invoker.ETagStore
	handlerTimeout time.Duration
	maxOperations  int
	noPrefetch     bool
	anonymous      bool
}

// WithSchema sets the schema document. Relative paths are resolved from the
// testdata directory.
func WithSchema(file string) HarnessOption {
	return func(c *harnessConfig) {
		c.schemaFile = file
	}
}

// WithCircuitBreaker overrides the client's circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = &cb
	}
}

// WithRetry overrides the client's retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = &r
	}
}

// WithETagStore enables revalidation of GET operations with store.
func WithETagStore(store invoker.ETagStore) HarnessOption {
	return func(c *harnessConfig) {
		c.etags = store
	}
}

// WithHandlerTimeout sets the endpoint's per-request timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithMaxOperations limits the operations per bulk request.
func WithMaxOperations(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxOperations = n
	}
}

// WithoutPrefetch leaves reference fields unresolved.
func WithoutPrefetch() HarnessOption {
	return func(c *harnessConfig) {
		c.noPrefetch = true
	}
}

// WithAnonymousClient makes the client send no bearer token.
func WithAnonymousClient() HarnessOption {
	return func(c *harnessConfig) {
		c.anonymous = true
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		schemaFile:     "library.yaml",
		handlerTimeout: 10 * time.Second,
		maxOperations:  100,
	}
	for _, opt := range opts {
		opt(hc)
	}
	schemaPath := hc.schemaFile
	if !filepath.IsAbs(schemaPath) {
		schemaPath = filepath.Join(testdataDir(), schemaPath)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	h := &TestHarness{
		t:        t,
		issuer:   newTokenIssuer(),
		Registry: prometheus.NewRegistry(),
	}
	h.Metrics = observability.InitMetrics(h.Registry)

	// Step 1: Load the schema and derive the mock backend from it.
	doc, err := openapi.Load(schemaPath)
	if err != nil {
		t.Fatalf("load schema %s: %v", schemaPath, err)
	}
	h.Backend = newMockBackend(t, routesFromDocument(doc, "/api/v1"))

	// Step 2: Build config.
	h.cfg = config.Defaults()
	h.cfg.API.Version = "v1"
	h.cfg.API.BulkPath = "endpoint/"
	h.cfg.Retry = config.RetryConfig{MaxAttempts: 1, IdempotentOnly: true}
	if hc.retry != nil {
		h.cfg.Retry = *hc.retry
	}
	if hc.breaker != nil {
		h.cfg.CircuitBreaker = *hc.breaker
	}
	h.cfg.Endpoint.Path = "/api/endpoint/"
	h.cfg.Endpoint.MaxOperations = hc.maxOperations
	h.cfg.Endpoint.WriteTimeout = hc.handlerTimeout
	h.cfg.Observability.Metrics.Enabled = false

	// Step 3: Build the endpoint router. REST routes share the server so
	// non-bulk requests reach the same backend.
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Dispatcher:   transport.NewHandlerDispatcher(h.Backend, "/api"),
		Authenticate: transport.JWTAuthenticator(h.issuer.secret),
		Metrics:      h.Metrics,
		Readiness: observability.ReadinessChecks{
			SchemaLoaded: func() bool { return true },
		},
		Logger: logger,
	})
	router.Mount("/api/v1", h.Backend)

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	h.cfg.API.BaseURL = h.server.URL + "/api"

	// Step 4: Build the client.
	clientOpts := []invoker.Option{
		invoker.WithObserver(h.Metrics),
		invoker.WithLogger(logger),
	}
	if !hc.anonymous {
		clientOpts = append(clientOpts, invoker.WithToken(h.GenerateToken(DefaultClaims())))
	}
	if hc.etags != nil {
		clientOpts = append(clientOpts, invoker.WithETagStore(hc.etags))
	}
	h.Client = invoker.New(h.cfg, clientOpts...)

	// Step 5: Build models and views.
	h.Models = entity.NewResolver(doc, entity.WithLogger(logger))
	built, err := views.NewBuilder(doc, h.Models, h.Client,
		views.WithBuilderLogger(logger),
		views.WithQuerySetOptions(queryset.WithLogger(logger)),
	).Build()
	if err != nil {
		t.Fatalf("build views: %v", err)
	}
	h.Resolver = views.NewResolver(built,
		views.WithLogger(logger),
		views.WithAggregationObserver(h.Metrics),
	)
	if !hc.noPrefetch {
		h.Resolver.EnablePrefetch()
	}

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Objects returns a fresh QuerySet of the view at path.
func (h *TestHarness) Objects(path string) *queryset.QuerySet {
	h.t.Helper()
	v, ok := h.Resolver.View(path)
	if !ok || v.Objects == nil {
		h.t.Fatalf("no view with data at %s", path)
	}
	return v.Objects.All()
}

// Model returns the named model.
func (h *TestHarness) Model(name string) *entity.Model {
	h.t.Helper()
	m, err := h.Models.Get(name)
	if err != nil {
		h.t.Fatalf("model %s: %v", name, err)
	}
	return m
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// DefaultClaims returns the claims of the client's token.
func DefaultClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-librarian",
		TenantID:  "city-library",
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// AuthorFixture returns an author as the API renders it.
func AuthorFixture(id int, name string) map[string]any {
	return map[string]any{"id": id, "name": name}
}

// BookFixture returns a book as the API renders it.
func BookFixture(id int, title string, author int) map[string]any {
	return map[string]any{"id": id, "title": title, "author": author}
}

// ListFixture returns a paginated list response with the given items.
func ListFixture(items ...map[string]any) map[string]any {
	results := make([]any, len(items))
	for i, item := range items {
		results[i] = item
	}
	return map[string]any{"count": len(items), "results": results}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
