package model

import "context"

// Headers propagated from a caller to the API.
const (
	HeaderAuthorization  = "Authorization"
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderAcceptLanguage = "Accept-Language"
)

// RequestContext identifies the caller a request is made on behalf of. The
// bulk endpoint builds one per inbound batch; the client forwards it on every
// outgoing call. It must not be modified once attached to a context.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	Token         string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	Locale        string
}

// ForwardedHeaders returns the headers an outgoing API call carries for this
// caller. Unset values are omitted; a nil RequestContext forwards nothing.
func (rc *RequestContext) ForwardedHeaders() map[string]string {
	if rc == nil {
		return nil
	}
	h := make(map[string]string, 3)
	if rc.Token != "" {
		h[HeaderAuthorization] = "Bearer " + rc.Token
	}
	if rc.CorrelationID != "" {
		h[HeaderCorrelationID] = rc.CorrelationID
	}
	if rc.Locale != "" {
		h[HeaderAcceptLanguage] = rc.Locale
	}
	return h
}

type requestContextKey struct{}

// WithRequestContext returns a copy of ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
