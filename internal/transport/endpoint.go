package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/bulk"
	"github.com/pitabwire/qset/internal/observability"
	"github.com/pitabwire/qset/model"
)

const maxBulkBodyBytes = 10 << 20

// Dispatcher executes one resolved bulk operation.
type Dispatcher interface {
	Dispatch(ctx context.Context, d bulk.Descriptor) bulk.Result
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, d bulk.Descriptor) bulk.Result

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, d bulk.Descriptor) bulk.Result {
	return f(ctx, d)
}

// Requester sends a single request to the REST API. *invoker.Client
// satisfies it.
type Requester interface {
	MakeRequest(ctx context.Context, req model.Request) (model.Response, error)
}

// Upstream dispatches operations to a REST API through a Requester.
type Upstream struct {
	requester Requester
}

// NewUpstream creates an Upstream dispatcher.
func NewUpstream(requester Requester) *Upstream {
	return &Upstream{requester: requester}
}

// Dispatch forwards d and converts the outcome into a result. Transport
// failures without a response become 502 results.
func (u *Upstream) Dispatch(ctx context.Context, d bulk.Descriptor) bulk.Result {
	result := bulk.Result{Method: d.Method, Path: d.Path.String()}

	query, err := url.ParseQuery(d.Query)
	if err != nil {
		result.Status = http.StatusBadRequest
		result.Info = err.Error()
		return result
	}
	resp, err := u.requester.MakeRequest(ctx, model.Request{
		Method:  strings.ToUpper(d.Method),
		Path:    []string(d.Path),
		Query:   query,
		Data:    d.Data,
		Headers: d.Headers,
		Version: d.Version,
	})

	var te *model.TransportError
	switch {
	case err == nil:
		result.Status, result.Data, result.Headers = resp.Status, resp.Data, resp.Headers
	case errors.As(err, &te):
		result.Status, result.Data, result.Headers = te.Status, te.Payload, resp.Headers
	default:
		result.Status = http.StatusBadGateway
		result.Info = err.Error()
	}
	return result
}

// HandlerDispatcher dispatches operations to an in-process http.Handler.
type HandlerDispatcher struct {
	handler http.Handler
	prefix  string
}

// NewHandlerDispatcher creates a dispatcher serving operations with h.
// Paths are requested as prefix/version/path/.
func NewHandlerDispatcher(h http.Handler, prefix string) *HandlerDispatcher {
	return &HandlerDispatcher{handler: h, prefix: "/" + strings.Trim(prefix, "/")}
}

// Dispatch serves d with the wrapped handler.
func (h *HandlerDispatcher) Dispatch(ctx context.Context, d bulk.Descriptor) bulk.Result {
	result := bulk.Result{Method: d.Method, Path: d.Path.String()}

	var body io.Reader
	if d.Data != nil {
		encoded, err := json.Marshal(d.Data)
		if err != nil {
			result.Status = http.StatusBadRequest
			result.Info = err.Error()
			return result
		}
		body = bytes.NewReader(encoded)
	}

	target := strings.TrimSuffix(h.prefix, "/")
	if d.Version != "" {
		target += "/" + d.Version
	}
	target += "/" + d.Path.String()
	if d.Query != "" {
		target += "?" + d.Query
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(d.Method), target, body)
	if err != nil {
		result.Status = http.StatusBadRequest
		result.Info = err.Error()
		return result
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.Token != "" {
		req.Header.Set("Authorization", "Bearer "+rctx.Token)
	}

	rec := newRecorder()
	h.handler.ServeHTTP(rec, req)

	result.Status = rec.status
	result.Headers = map[string]string{}
	for k := range rec.header {
		result.Headers[k] = rec.header.Get(k)
	}
	if rec.body.Len() > 0 {
		var decoded any
		if err := json.Unmarshal(rec.body.Bytes(), &decoded); err != nil {
			decoded = rec.body.String()
		}
		result.Data = decoded
	}
	return result
}

// recorder is a minimal in-memory http.ResponseWriter.
type recorder struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(b)
}

// OperationObserver receives per-operation outcomes. *observability.Metrics
// satisfies it.
type OperationObserver interface {
	ObserveEndpointOperation(method string, status int)
}

// BulkHandler executes batches of operations in order. PUT runs a simple
// batch where every operation is attempted; POST runs a transactional batch
// that stops at the first failed operation and answers 502.
type BulkHandler struct {
	dispatcher    Dispatcher
	maxOperations int
	observer      OperationObserver
	logger        *zap.Logger
}

// BulkOption configures a BulkHandler.
type BulkOption func(*BulkHandler)

// WithMaxOperations limits the number of operations per batch.
func WithMaxOperations(n int) BulkOption {
	return func(h *BulkHandler) { h.maxOperations = n }
}

// WithOperationObserver sets the per-operation measurement sink.
func WithOperationObserver(o OperationObserver) BulkOption {
	return func(h *BulkHandler) { h.observer = o }
}

// WithLogger sets the handler's logger.
func WithLogger(l *zap.Logger) BulkOption {
	return func(h *BulkHandler) { h.logger = l }
}

// NewBulkHandler creates a bulk handler executing operations with d.
func NewBulkHandler(d Dispatcher, opts ...BulkOption) *BulkHandler {
	h := &BulkHandler{dispatcher: d, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *BulkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	typ, ok := bulk.TypeForMethod(r.Method)
	if !ok {
		w.Header().Set("Allow", "PUT, POST")
		WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error: model.NewBadRequestError("bulk requests use PUT or POST"),
		})
		return
	}

	var descriptors []bulk.Descriptor
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBulkBodyBytes)).Decode(&descriptors); err != nil {
		WriteBadRequest(w, "invalid bulk body: "+err.Error())
		return
	}
	if h.maxOperations > 0 && len(descriptors) > h.maxOperations {
		WriteBadRequest(w, fmt.Sprintf("too many operations: %d > %d", len(descriptors), h.maxOperations))
		return
	}

	ctx, span := observability.StartSpan(r.Context(), "qset.endpoint.bulk",
		observability.AttrBulkType.String(string(typ)),
		observability.AttrOperations.Int(len(descriptors)),
	)
	defer span.End()
	logger := observability.RequestLogger(ctx, h.logger)

	results := make([]bulk.Result, 0, len(descriptors))
	for i, d := range descriptors {
		result := h.execute(ctx, d, results)
		results = append(results, result)
		if h.observer != nil {
			h.observer.ObserveEndpointOperation(strings.ToUpper(d.Method), result.Status)
		}
		if ce := logger.Check(zap.DebugLevel, "bulk operation"); ce != nil {
			ce.Write(
				zap.Int("index", i),
				zap.String("method", result.Method),
				zap.String("path", result.Path),
				zap.Int("status", result.Status),
				zap.Any("data", observability.RedactValue(d.Data)),
				zap.Any("headers", observability.RedactHeaders(d.Headers)),
			)
		}

		if typ == bulk.Transactional && !result.OK() {
			logger.Warn("transactional bulk aborted",
				zap.Int("index", i),
				zap.Int("status", result.Status),
			)
			WriteAborted(w, i, results)
			return
		}
	}
	WriteJSON(w, http.StatusOK, results)
}

// execute resolves back-references in d against earlier results and runs it.
func (h *BulkHandler) execute(ctx context.Context, d bulk.Descriptor, results []bulk.Result) bulk.Result {
	resolved, err := bulk.ResolveDescriptor(d, results)
	if err != nil {
		return bulk.Result{
			Method: d.Method,
			Path:   d.Path.String(),
			Status: http.StatusBadRequest,
			Info:   err.Error(),
		}
	}
	if err := ctx.Err(); err != nil {
		return bulk.Result{
			Method: d.Method,
			Path:   resolved.Path.String(),
			Status: http.StatusGatewayTimeout,
			Info:   err.Error(),
		}
	}
	return h.dispatcher.Dispatch(ctx, resolved)
}
