package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/qset/internal/bulk"
	"github.com/pitabwire/qset/internal/config"
	"github.com/pitabwire/qset/model"
)

// echoDispatcher answers every operation with 200 and records the request
// context it saw.
func echoDispatcher(seen *[]*model.RequestContext) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, d bulk.Descriptor) bulk.Result {
		if seen != nil {
			*seen = append(*seen, model.RequestContextFrom(ctx))
		}
		return bulk.Result{Method: d.Method, Path: d.Path.String(), Status: 200, Data: map[string]any{"id": float64(1)}}
	})
}

// testDeps returns Dependencies with sensible defaults for testing.
func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Endpoint.WriteTimeout = 5 * time.Second
	return Dependencies{Config: cfg, Dispatcher: echoDispatcher(nil)}
}

func bulkRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/api/endpoint/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_ready(t *testing.T) {
	deps := testDeps()
	deps.Readiness.SchemaLoaded = func() bool { return true }
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_notReadyWithoutSchema(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestNewRouter_metrics(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps()
	deps.Config.Observability.Metrics.Enabled = false
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestNewRouter_bulkRoutes(t *testing.T) {
	r := NewRouter(testDeps())
	for _, method := range []string{"PUT", "POST"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, bulkRequest(method, `[{"method":"get","path":["user"]}]`))
		if w.Code != 200 {
			t.Errorf("%s status = %d, want 200", method, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/endpoint/", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}

func TestNewRouter_authGuardsOnlyBulk(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = JWTAuthenticator(testSecret)
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, bulkRequest("PUT", `[]`))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bulk status = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != 200 {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestNewRouter_requestContextFromClaims(t *testing.T) {
	var seen []*model.RequestContext
	deps := testDeps()
	deps.Dispatcher = echoDispatcher(&seen)
	deps.Authenticate = JWTAuthenticator(testSecret)
	r := NewRouter(deps)

	token := signJWT(t, jwt.SigningMethodHS256, testSecret, validClaims())
	req := bulkRequest("PUT", `[{"method":"get","path":["user"]}]`)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", "corr-1")
	req.Header.Set("Accept-Language", "de")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(seen) != 1 || seen[0] == nil {
		t.Fatalf("request contexts = %v", seen)
	}
	rctx := seen[0]
	if rctx.SubjectID != "user-1" || rctx.TenantID != "tenant-1" {
		t.Errorf("identity = %q/%q", rctx.SubjectID, rctx.TenantID)
	}
	if rctx.Token != token {
		t.Error("verified token is forwarded")
	}
	if rctx.CorrelationID != "corr-1" || rctx.Locale != "de" {
		t.Errorf("correlation/locale = %q/%q", rctx.CorrelationID, rctx.Locale)
	}
	if got := w.Header().Get("X-Correlation-Id"); got != "corr-1" {
		t.Errorf("X-Correlation-Id = %q", got)
	}
}

func TestBuildRequestContext_forwardsUnverifiedBearer(t *testing.T) {
	var rctx *model.RequestContext
	handler := BuildRequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	}))
	req := httptest.NewRequest("PUT", "/", nil)
	req.Header.Set("Authorization", "Bearer raw-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if rctx == nil || rctx.Token != "raw-token" {
		t.Fatalf("rctx = %+v", rctx)
	}
	if rctx.SubjectID != "" {
		t.Errorf("SubjectID = %q, want empty without claims", rctx.SubjectID)
	}
}

// --- Middleware tests ---

func TestRecovery_catchesPanic(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestCorrelationID_generated(t *testing.T) {
	var id string
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id = CorrelationIDFrom(r.Context())
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if len(id) != 36 {
		t.Errorf("generated id = %q, want a UUID", id)
	}
	if w.Header().Get("X-Correlation-Id") != id {
		t.Error("response header does not match context value")
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestHandlerTimeout_setsDeadline(t *testing.T) {
	var hasDeadline bool
	handler := HandlerTimeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !hasDeadline {
		t.Error("expected a deadline")
	}
}

func TestHandlerTimeout_zeroNoDeadline(t *testing.T) {
	var hasDeadline bool
	handler := HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if hasDeadline {
		t.Error("zero timeout must not set a deadline")
	}
}

func TestRequestLogging_capturesStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("PUT", "/api/endpoint/", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", w.Code)
	}
	entries := logs.FilterMessage("bulk request served").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) || fields["bytes"] != int64(15) {
		t.Errorf("fields = %v", fields)
	}
}

func TestRecovery_repanicsOnAbort(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	t.Error("ServeHTTP returned normally")
}
