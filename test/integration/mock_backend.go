package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pitabwire/qset/internal/openapi"
)

// MockBackend plays the REST API behind the bulk endpoint. Every operation of
// the schema gets a route; tests script replies per operationId and inspect
// the requests each operation received.
type MockBackend struct {
	mux *http.ServeMux

	mu      sync.Mutex
	scripts map[string]*replyScript
	calls   map[string][]*RecordedRequest
}

// RecordedRequest is one request an operation received.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
}

// replyScript plays replies in order and keeps repeating the last one.
type replyScript struct {
	replies []reply
	next    int
}

type reply func(w http.ResponseWriter)

func (s *replyScript) pop() reply {
	if len(s.replies) == 0 {
		return nil
	}
	r := s.replies[min(s.next, len(s.replies)-1)]
	if s.next < len(s.replies) {
		s.next++
	}
	return r
}

// OperationMock scripts the replies of one operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

// operationRoute is the method and ServeMux path of one operation.
type operationRoute struct {
	method      string
	pathPattern string
}

func newMockBackend(t *testing.T, routes map[string]operationRoute) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		mux:     http.NewServeMux(),
		scripts: make(map[string]*replyScript),
		calls:   make(map[string][]*RecordedRequest),
	}
	for opID, route := range routes {
		mb.mux.HandleFunc(route.method+" "+route.pathPattern+"{$}", mb.serveOperation(opID))
	}
	mb.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeMockJSON(w, http.StatusNotFound, map[string]string{
			"detail": fmt.Sprintf("mock: no operation for %s %s", r.Method, r.URL.Path),
		})
	})
	return mb
}

// routesFromDocument maps every operationId of doc to its route below prefix,
// for example "/api/v1". Operations without an id are keyed "METHOD path".
func routesFromDocument(doc *openapi.Document, prefix string) map[string]operationRoute {
	routes := make(map[string]operationRoute)
	for _, op := range doc.Operations() {
		id := op.OperationID
		if id == "" {
			id = op.Method + " " + op.Path
		}
		pattern := path.Join(prefix, op.Path)
		if strings.HasSuffix(op.Path, "/") {
			pattern += "/"
		}
		routes[id] = operationRoute{method: op.Method, pathPattern: pattern}
	}
	return routes
}

func (mb *MockBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mb.mux.ServeHTTP(w, r)
}

// OnOperation starts scripting replies for operationID.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith queues a JSON reply. A nil body sends the status alone.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	return om.RespondWithHeaders(status, body, nil)
}

// RespondWithHeaders queues a JSON reply after letting setHeaders adjust the
// response headers.
func (om *OperationMock) RespondWithHeaders(status int, body any, setHeaders func(http.Header)) *OperationMock {
	om.backend.queue(om.opID, func(w http.ResponseWriter) {
		if setHeaders != nil {
			setHeaders(w.Header())
		}
		if body == nil {
			w.WriteHeader(status)
			return
		}
		writeMockJSON(w, status, body)
	})
	return om
}

// RespondWithConnectionError queues a dropped connection. Writers that
// cannot be hijacked, such as the bulk endpoint's in-process recorder, see a
// 502 instead.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.queue(om.opID, func(w http.ResponseWriter) {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	return om
}

func (mb *MockBackend) queue(opID string, r reply) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	s, ok := mb.scripts[opID]
	if !ok {
		s = &replyScript{}
		mb.scripts[opID] = s
	}
	s.replies = append(s.replies, r)
}

func (mb *MockBackend) serveOperation(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := recordRequest(r)

		mb.mu.Lock()
		mb.calls[opID] = append(mb.calls[opID], rec)
		var next reply
		if s := mb.scripts[opID]; s != nil {
			next = s.pop()
		}
		mb.mu.Unlock()

		if next == nil {
			writeMockJSON(w, http.StatusOK, map[string]any{})
			return
		}
		next(w)
	}
}

func recordRequest(r *http.Request) *RecordedRequest {
	rec := &RecordedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		QueryParams: make(map[string]string),
		Headers:     r.Header.Clone(),
	}
	for key, values := range r.URL.Query() {
		rec.QueryParams[key] = values[0]
	}
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}
	}
	return rec
}

func writeMockJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// AssertCalled checks that operationID was called want times.
func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, want int) {
	t.Helper()
	assert.Lenf(t, mb.AllRequests(operationID), want, "mock: calls of %s", operationID)
}

// AssertNotCalled checks that operationID was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// LastRequest returns the most recent request to operationID, or nil.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	reqs := mb.AllRequests(operationID)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns the requests operationID received, oldest first.
func (mb *MockBackend) AllRequests(operationID string) []*RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]*RecordedRequest(nil), mb.calls[operationID]...)
}
