package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/bulk"
	"github.com/pitabwire/qset/internal/config"
	"github.com/pitabwire/qset/internal/observability"
	"github.com/pitabwire/qset/model"
)

// Request kinds reported to the Observer.
const (
	KindDirect = "direct"
	KindBulk   = "bulk"
)

// Observer receives client-side measurements. *observability.Metrics
// satisfies it.
type Observer interface {
	ObserveRequest(kind, method string, status int, duration time.Duration)
	ObserveBulk(bulkType string, operations int, outcome string)
	ObserveRetry()
	ObserveCircuitState(state int)
	ObserveETag(hit bool)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, int, time.Duration) {}
func (nopObserver) ObserveBulk(string, int, string)                   {}
func (nopObserver) ObserveRetry()                                     {}
func (nopObserver) ObserveCircuitState(int)                           {}
func (nopObserver) ObserveETag(bool)                                  {}

// Client talks to the remote REST API, either with direct HTTP requests or
// through the bulk endpoint. It is safe for concurrent use.
type Client struct {
	baseURL  string
	version  string
	bulkPath string
	headers  map[string]string
	token    string

	retry   config.RetryConfig
	breaker *CircuitBreaker
	http    *http.Client

	etags    ETagStore
	etagTTL  time.Duration
	observer Observer
	logger   *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithETagStore enables ETag revalidation of bulk GET operations.
func WithETagStore(store ETagStore) Option {
	return func(c *Client) { c.etags = store }
}

// WithObserver sets the measurement sink.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithToken sets a static bearer token. A token in the RequestContext takes
// precedence.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client from configuration.
func New(cfg *config.Config, opts ...Option) *Client {
	timeout := cfg.API.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Client{
		baseURL:  strings.TrimRight(cfg.API.BaseURL, "/"),
		version:  strings.Trim(cfg.API.Version, "/"),
		bulkPath: strings.Trim(cfg.API.BulkPath, "/"),
		headers:  cfg.API.Headers,
		retry:    cfg.Retry,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		etagTTL:  cfg.ETagCache.TTL,
		observer: nopObserver{},
		logger:   zap.NewNop(),
	}
	if cfg.API.TokenEnv != "" {
		c.token = os.Getenv(cfg.API.TokenEnv)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewCircuitBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		c.observer.ObserveCircuitState(int(s))
	})
	return c
}

// Breaker exposes the circuit breaker guarding the API.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// HealthCheck reports the API unreachable while the breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// MakeRequest performs one logical API call. With UseBulk set the request is
// wrapped into a single-operation bulk batch.
func (c *Client) MakeRequest(ctx context.Context, req model.Request) (model.Response, error) {
	if req.UseBulk {
		return c.makeBulkRequest(ctx, req)
	}

	method := strings.ToUpper(req.Method)
	ctx, span := observability.StartSpan(ctx, "qset.request",
		observability.AttrMethod.String(method),
		observability.AttrPath.String(req.PathString()),
	)

	resp, err := c.makeDirectRequest(ctx, method, req)
	if err == nil {
		span.SetAttributes(observability.AttrStatus.Int(resp.Status))
	}
	observability.EndSpanWithError(span, err)
	return resp, err
}

func (c *Client) makeDirectRequest(ctx context.Context, method string, req model.Request) (model.Response, error) {
	headers := c.outgoingHeaders(ctx, req.Headers)

	var body []byte
	if req.Data != nil && method != http.MethodGet && method != http.MethodDelete {
		encoded, contentType, err := encodeMultipart(req.Data)
		if err != nil {
			return model.Response{}, err
		}
		body = encoded
		headers.Set("Content-Type", contentType)
	}

	reqURL := c.resourceURL(req.Version, req.Path)
	if len(req.Query) > 0 {
		reqURL += "?" + req.Query.Encode()
	}

	start := time.Now()
	raw, err := c.executeWithRetry(ctx, method, reqURL, headers, body, c.canRetryRequest(method))
	if err != nil {
		c.observer.ObserveRequest(KindDirect, method, 0, time.Since(start))
		return model.Response{}, err
	}
	c.observer.ObserveRequest(KindDirect, method, raw.Status, time.Since(start))

	resp := model.Response{
		Status:  raw.Status,
		Data:    decodeBody(raw.Body),
		Headers: flattenHeaders(raw.Header),
	}
	if !resp.OK() {
		return resp, &model.TransportError{
			Status:  raw.Status,
			Payload: resp.Data,
			Method:  method,
			Path:    req.PathString(),
		}
	}
	return resp, nil
}

func (c *Client) makeBulkRequest(ctx context.Context, req model.Request) (model.Response, error) {
	op := bulk.Operation{
		Method:  req.Method,
		Path:    bulk.Path(req.Path),
		Query:   req.Query,
		Data:    req.Data,
		Headers: req.Headers,
		Version: req.Version,
	}
	results, err := c.SendBulk(ctx, []bulk.Operation{op}, bulk.Simple)
	if err != nil {
		return model.Response{}, err
	}

	result := results[0]
	resp := model.Response{
		Status:  result.Status,
		Data:    result.Data,
		Headers: result.Headers,
	}
	if !result.OK() {
		return resp, &model.TransportError{
			Status:  result.Status,
			Payload: result.Data,
			Method:  req.Method,
			Path:    req.PathString(),
		}
	}
	return resp, nil
}

// SendBulk sends a batch of operations to the bulk endpoint and returns one
// result per operation, in order. Per-item failures are reported in the
// results, not as errors.
func (c *Client) SendBulk(ctx context.Context, ops []bulk.Operation, typ bulk.Type) ([]bulk.Result, error) {
	ctx, span := observability.StartSpan(ctx, "qset.bulk",
		observability.AttrBulkType.String(string(typ)),
		observability.AttrOperations.Int(len(ops)),
	)
	span.SetAttributes(observability.SpanRequestAttributes(model.RequestContextFrom(ctx))...)

	results, err := c.sendBulk(ctx, ops, typ)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.observer.ObserveBulk(string(typ), len(ops), outcome)
	observability.EndSpanWithError(span, err)
	return results, err
}

func (c *Client) sendBulk(ctx context.Context, ops []bulk.Operation, typ bulk.Type) ([]bulk.Result, error) {
	descriptors, err := bulk.Encode(ops)
	if err != nil {
		return nil, err
	}
	for i := range descriptors {
		if descriptors[i].Version == "" {
			descriptors[i].Version = c.version
		}
	}

	cacheKeys := c.applyETags(ctx, descriptors)

	body, err := json.Marshal(descriptors)
	if err != nil {
		return nil, fmt.Errorf("invoker: encode bulk: %w", err)
	}
	headers := c.outgoingHeaders(ctx, nil)
	headers.Set("Content-Type", "application/json")

	method := typ.Method()
	start := time.Now()
	raw, err := c.executeWithRetry(ctx, method, c.bulkURL(), headers, body, canRetryBatch(descriptors))
	if err != nil {
		c.observer.ObserveRequest(KindBulk, method, 0, time.Since(start))
		return nil, err
	}
	c.observer.ObserveRequest(KindBulk, method, raw.Status, time.Since(start))

	if raw.Status < 200 || raw.Status >= 300 {
		return nil, &model.TransportError{
			Status:  raw.Status,
			Payload: decodeBody(raw.Body),
			Method:  method,
			Path:    c.bulkPath,
		}
	}

	var results []bulk.Result
	if err := json.Unmarshal(raw.Body, &results); err != nil {
		return nil, fmt.Errorf("invoker: decode bulk response: %w", err)
	}
	if len(results) < len(descriptors) {
		return nil, fmt.Errorf("invoker: responses count does not match requests count (%d < %d)",
			len(results), len(descriptors))
	}
	results = results[:len(descriptors)]

	c.storeETags(ctx, cacheKeys, results)
	return results, nil
}

// applyETags attaches If-None-Match to GET descriptors that have a cached
// response. It returns the cache key per descriptor, empty when the
// descriptor is not cacheable.
func (c *Client) applyETags(ctx context.Context, descriptors []bulk.Descriptor) []string {
	keys := make([]string, len(descriptors))
	if c.etags == nil {
		return keys
	}
	hits := 0
	defer func() {
		trace.SpanFromContext(ctx).SetAttributes(observability.AttrETagHits.Int(hits))
	}()
	for i := range descriptors {
		d := &descriptors[i]
		if d.Method != "get" || hasReference(*d) {
			continue
		}
		keys[i] = FormatETagKey(descriptorURL(*d))

		cached, found, err := c.etags.Get(ctx, keys[i])
		if err != nil {
			c.logger.Debug("etag lookup failed", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		c.observer.ObserveETag(found)
		if !found {
			continue
		}
		hits++
		headers := make(map[string]string, len(d.Headers)+1)
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers["If-None-Match"] = cached.ETag
		d.Headers = headers
	}
	return keys
}

// storeETags replaces 304 results with cached data and remembers fresh GET
// results that carry an ETag.
func (c *Client) storeETags(ctx context.Context, keys []string, results []bulk.Result) {
	if c.etags == nil {
		return
	}
	for i, key := range keys {
		if key == "" {
			continue
		}
		r := &results[i]
		if r.Status == http.StatusNotModified {
			cached, found, err := c.etags.Get(ctx, key)
			if err != nil || !found {
				c.logger.Debug("etag entry vanished before revalidation", zap.String("key", key))
				continue
			}
			r.Status = http.StatusOK
			r.Data = cached.Data
			continue
		}
		etag := headerValue(r.Headers, "ETag")
		if r.Status >= 300 || etag == "" {
			continue
		}
		if err := c.etags.Set(ctx, key, CachedResponse{ETag: etag, Data: r.Data}, c.etagTTL); err != nil {
			c.logger.Debug("etag store failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// outgoingHeaders builds the common headers of every request.
func (c *Client) outgoingHeaders(ctx context.Context, extra map[string]string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	for k, v := range c.headers {
		h.Set(k, sanitizeHeader(v))
	}

	if c.token != "" {
		h.Set(model.HeaderAuthorization, "Bearer "+sanitizeHeader(c.token))
	}
	for k, v := range model.RequestContextFrom(ctx).ForwardedHeaders() {
		h.Set(k, sanitizeHeader(v))
	}
	if h.Get(model.HeaderCorrelationID) == "" {
		h.Set(model.HeaderCorrelationID, uuid.NewString())
	}

	for k, v := range extra {
		h.Set(k, sanitizeHeader(v))
	}
	observability.InjectTraceHeaders(ctx, h)
	return h
}

func (c *Client) resourceURL(version string, path []string) string {
	if version == "" {
		version = c.version
	}
	return c.baseURL + "/" + model.JoinPath(append([]string{version}, path...))
}

func (c *Client) bulkURL() string {
	return c.baseURL + "/" + c.bulkPath + "/"
}

// descriptorURL is the relative URL a descriptor addresses.
func descriptorURL(d bulk.Descriptor) string {
	u := model.JoinPath(append([]string{d.Version}, d.Path...))
	if d.Query != "" {
		u += "?" + d.Query
	}
	return u
}

func hasReference(d bulk.Descriptor) bool {
	if strings.Contains(d.Query, "<<") || strings.Contains(d.Query, "%3C%3C") {
		return true
	}
	for _, seg := range d.Path {
		if strings.Contains(seg, "<<") {
			return true
		}
	}
	return false
}
