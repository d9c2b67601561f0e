package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/qset/internal/bulk"
	"github.com/pitabwire/qset/model"
)

// recordingDispatcher answers from a script keyed by path and records the
// resolved descriptors it receives.
type recordingDispatcher struct {
	mu     sync.Mutex
	seen   []bulk.Descriptor
	answer func(d bulk.Descriptor) bulk.Result
}

func (r *recordingDispatcher) Dispatch(_ context.Context, d bulk.Descriptor) bulk.Result {
	r.mu.Lock()
	r.seen = append(r.seen, d)
	r.mu.Unlock()
	res := r.answer(d)
	res.Method, res.Path = d.Method, d.Path.String()
	return res
}

type opCounter struct {
	mu       sync.Mutex
	statuses []int
}

func (o *opCounter) ObserveEndpointOperation(_ string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func serveBulk(t *testing.T, h http.Handler, method, body string) (*httptest.ResponseRecorder, []bulk.Result) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, "/api/endpoint/", strings.NewReader(body)))
	var results []bulk.Result
	if w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), &results); err != nil {
			t.Fatalf("decode results: %v (%s)", err, w.Body.String())
		}
	}
	return w, results
}

func TestBulkHandler_simpleResolvesReferences(t *testing.T) {
	d := &recordingDispatcher{answer: func(d bulk.Descriptor) bulk.Result {
		if d.Method == "post" {
			return bulk.Result{Status: 201, Data: map[string]any{"id": float64(7)}}
		}
		return bulk.Result{Status: 200, Data: map[string]any{"id": float64(7), "username": "neo"}}
	}}
	obs := &opCounter{}
	h := NewBulkHandler(d, WithOperationObserver(obs))

	w, results := serveBulk(t, h, "PUT", `[
		{"method":"post","path":["user"],"data":{"username":"neo"}},
		{"method":"get","path":["user","<<0[data][id]>>"],"query":"fields=<<0[data][id]>>"}
	]`)
	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if got := d.seen[1].Path.String(); got != "user/7/" {
		t.Errorf("resolved path = %q, want user/7/", got)
	}
	if got := d.seen[1].Query; got != "fields=7" {
		t.Errorf("resolved query = %q, want fields=7", got)
	}
	if results[1].Path != "user/7/" || results[1].Status != 200 {
		t.Errorf("result[1] = %+v", results[1])
	}
	if diff := cmp.Diff([]int{201, 200}, obs.statuses); diff != "" {
		t.Errorf("observed statuses (-want +got):\n%s", diff)
	}
}

func TestBulkHandler_simpleContinuesAfterFailure(t *testing.T) {
	d := &recordingDispatcher{answer: func(d bulk.Descriptor) bulk.Result {
		if d.Path.String() == "missing/" {
			return bulk.Result{Status: 404, Data: map[string]any{"detail": "Not found."}}
		}
		return bulk.Result{Status: 200}
	}}
	w, results := serveBulk(t, NewBulkHandler(d), "PUT", `[
		{"method":"get","path":["missing"]},
		{"method":"get","path":["user"]}
	]`)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if results[0].Status != 404 || results[1].Status != 200 {
		t.Errorf("statuses = %d, %d", results[0].Status, results[1].Status)
	}
}

func TestBulkHandler_debugLogRedactsSecrets(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	d := &recordingDispatcher{answer: func(bulk.Descriptor) bulk.Result {
		return bulk.Result{Status: 201}
	}}
	h := NewBulkHandler(d, WithLogger(zap.New(core)))

	serveBulk(t, h, "PUT", `[{"method":"post","path":["user"],
		"data":{"username":"neo","password":"zion"},
		"headers":{"X-Api-Key":"k1"}}]`)

	entries := logs.FilterMessage("bulk operation").All()
	if len(entries) != 1 {
		t.Fatalf("bulk operation logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	data, _ := fields["data"].(map[string]any)
	if data["password"] != "[REDACTED]" || data["username"] != "neo" {
		t.Errorf("logged data = %v", data)
	}
	headers, _ := fields["headers"].(map[string]string)
	if headers["X-Api-Key"] != "[REDACTED]" {
		t.Errorf("logged headers = %v", headers)
	}
	if got := d.seen[0].Data.(map[string]any)["password"]; got != "zion" {
		t.Errorf("dispatched password = %v, want original value", got)
	}
}

func TestBulkHandler_unresolvedReferenceFailsItem(t *testing.T) {
	d := &recordingDispatcher{answer: func(bulk.Descriptor) bulk.Result {
		return bulk.Result{Status: 200, Data: map[string]any{}}
	}}
	_, results := serveBulk(t, NewBulkHandler(d), "PUT", `[
		{"method":"get","path":["user"]},
		{"method":"get","path":["user","<<0[data][id]>>"]}
	]`)
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[1].Status != 400 || results[1].Info == "" {
		t.Errorf("result[1] = %+v, want 400 with info", results[1])
	}
	if len(d.seen) != 1 {
		t.Errorf("dispatched %d operations, want 1", len(d.seen))
	}
}

func TestBulkHandler_transactionalAborts(t *testing.T) {
	d := &recordingDispatcher{answer: func(d bulk.Descriptor) bulk.Result {
		if d.Method == "patch" {
			return bulk.Result{Status: 400, Data: map[string]any{"email": []any{"Enter a valid email address."}}}
		}
		return bulk.Result{Status: 200}
	}}
	w, _ := serveBulk(t, NewBulkHandler(d), "POST", `[
		{"method":"get","path":["user","1"]},
		{"method":"patch","path":["user","1"],"data":{"email":"x"}},
		{"method":"get","path":["user","1"]}
	]`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if len(d.seen) != 2 {
		t.Errorf("dispatched %d operations, want 2", len(d.seen))
	}

	var body struct {
		Error   model.ErrorEnvelope `json:"error"`
		Results []bulk.Result       `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != model.ErrBulkAborted {
		t.Errorf("code = %q", body.Error.Code)
	}
	if len(body.Results) != 2 || body.Results[1].Status != 400 {
		t.Errorf("results = %+v", body.Results)
	}
}

func TestBulkHandler_rejectsBadInput(t *testing.T) {
	d := &recordingDispatcher{answer: func(bulk.Descriptor) bulk.Result { return bulk.Result{Status: 200} }}
	h := NewBulkHandler(d, WithMaxOperations(1))

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"invalid json", "PUT", `{`, 400},
		{"not a list", "PUT", `{"method":"get"}`, 400},
		{"too many operations", "PUT", `[{"method":"get","path":["a"]},{"method":"get","path":["b"]}]`, 400},
		{"wrong method", "PATCH", `[]`, 405},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := serveBulk(t, h, tt.method, tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
	if len(d.seen) != 0 {
		t.Errorf("dispatched %d operations, want 0", len(d.seen))
	}
}

func TestBulkHandler_cancelledContext(t *testing.T) {
	d := &recordingDispatcher{answer: func(bulk.Descriptor) bulk.Result { return bulk.Result{Status: 200} }}
	h := NewBulkHandler(d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("PUT", "/api/endpoint/", strings.NewReader(`[{"method":"get","path":["user"]}]`)).WithContext(ctx)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var results []bulk.Result
	json.Unmarshal(w.Body.Bytes(), &results)
	if len(results) != 1 || results[0].Status != http.StatusGatewayTimeout {
		t.Errorf("results = %+v, want one 504", results)
	}
	if len(d.seen) != 0 {
		t.Error("cancelled operations must not be dispatched")
	}
}

// --- Upstream ---

type fakeRequester struct {
	req  model.Request
	resp model.Response
	err  error
}

func (f *fakeRequester) MakeRequest(_ context.Context, req model.Request) (model.Response, error) {
	f.req = req
	return f.resp, f.err
}

func TestUpstream_Dispatch(t *testing.T) {
	tests := []struct {
		name   string
		resp   model.Response
		err    error
		status int
		data   any
	}{
		{
			name:   "success",
			resp:   model.Response{Status: 200, Data: map[string]any{"id": float64(1)}, Headers: map[string]string{"Etag": `"v1"`}},
			status: 200,
			data:   map[string]any{"id": float64(1)},
		},
		{
			name:   "api error",
			resp:   model.Response{Status: 404},
			err:    &model.TransportError{Status: 404, Payload: map[string]any{"detail": "Not found."}},
			status: 404,
			data:   map[string]any{"detail": "Not found."},
		},
		{
			name:   "backend unavailable",
			err:    model.NewBackendUnavailableError(),
			status: 502,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := &fakeRequester{resp: tt.resp, err: tt.err}
			res := NewUpstream(fr).Dispatch(context.Background(), bulk.Descriptor{
				Method:  "get",
				Path:    bulk.PathSegments{"user", "1"},
				Query:   "fields=id",
				Headers: map[string]string{"If-None-Match": `"v0"`},
				Version: "v2",
			})
			if res.Status != tt.status {
				t.Errorf("status = %d, want %d", res.Status, tt.status)
			}
			if diff := cmp.Diff(tt.data, res.Data); diff != "" {
				t.Errorf("data mismatch (-want +got):\n%s", diff)
			}
			if res.Path != "user/1/" || res.Method != "get" {
				t.Errorf("result = %+v", res)
			}
			if fr.req.Method != "GET" || fr.req.Version != "v2" || fr.req.Query.Get("fields") != "id" {
				t.Errorf("forwarded request = %+v", fr.req)
			}
			if fr.req.Headers["If-None-Match"] != `"v0"` {
				t.Error("descriptor headers are forwarded")
			}
		})
	}
}

// --- HandlerDispatcher ---

func TestHandlerDispatcher_Dispatch(t *testing.T) {
	mux := chi.NewRouter()
	mux.Get("/api/v1/user/{id}/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			WriteError(w, model.NewUnauthorizedError("no token"))
			return
		}
		WriteJSON(w, 200, map[string]any{"id": chi.URLParam(r, "id"), "q": r.URL.Query().Get("fields")})
	})
	mux.Post("/api/v1/user/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteJSON(w, 201, body)
	})

	hd := NewHandlerDispatcher(mux, "/api/")
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{Token: "tok"})

	got := hd.Dispatch(ctx, bulk.Descriptor{Method: "get", Path: bulk.PathSegments{"user", "5"}, Query: "fields=name", Version: "v1"})
	if got.Status != 200 {
		t.Fatalf("status = %d, data %v", got.Status, got.Data)
	}
	if diff := cmp.Diff(map[string]any{"id": "5", "q": "name"}, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	got = hd.Dispatch(ctx, bulk.Descriptor{Method: "post", Path: bulk.PathSegments{"user"}, Data: map[string]any{"username": "neo"}, Version: "v1"})
	if got.Status != 201 {
		t.Fatalf("status = %d", got.Status)
	}

	got = hd.Dispatch(context.Background(), bulk.Descriptor{Method: "get", Path: bulk.PathSegments{"user", "5"}, Version: "v1"})
	if got.Status != 401 {
		t.Errorf("status = %d, want 401 without a token", got.Status)
	}
}

func TestRecorder_firstStatusWins(t *testing.T) {
	rec := newRecorder()
	rec.WriteHeader(201)
	rec.WriteHeader(500)
	if rec.status != 201 {
		t.Errorf("status = %d", rec.status)
	}
	if _, err := rec.Write([]byte("x")); err != nil || rec.body.String() != "x" {
		t.Error("write failed")
	}
}
