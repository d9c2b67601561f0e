package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/observability"
	"github.com/pitabwire/qset/model"
)

type correlationIDKey struct{}

// credentials is what the authenticator proved about the caller.
type credentials struct {
	claims map[string]any
	token  string
}

type credentialsKey struct{}

// CorrelationIDFrom returns the id CorrelationID assigned to the request.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims records verified token claims and the raw token.
func WithClaims(ctx context.Context, claims map[string]any, token string) context.Context {
	return context.WithValue(ctx, credentialsKey{}, credentials{claims: claims, token: token})
}

// ClaimsFrom returns the verified claims, or nil for unauthenticated requests.
func ClaimsFrom(ctx context.Context) map[string]any {
	return credentialsFrom(ctx).claims
}

func credentialsFrom(ctx context.Context) credentials {
	c, _ := ctx.Value(credentialsKey{}).(credentials)
	return c
}

// Recovery turns a panicking handler into a 500 envelope. Aborted handlers
// keep panicking so net/http can drop the connection.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				logger.Error("handler panicked",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				WriteError(w, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CorrelationID adopts the caller's X-Correlation-Id or mints one, and echoes
// it on the response so clients can match logs across services.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(model.HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(model.HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

// SecurityHeaders marks every response as uncacheable JSON that must not be
// sniffed or framed.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContext attaches the model.RequestContext the dispatcher
// forwards. Without verified credentials the caller's own bearer token is
// passed through unchecked so the API can reject it.
func BuildRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := credentialsFrom(r.Context())
		if creds.token == "" {
			creds.token, _ = bearerCredential(r.Header.Get(model.HeaderAuthorization))
		}
		rctx := &model.RequestContext{
			SubjectID:     claimString(creds.claims, "sub"),
			TenantID:      claimString(creds.claims, "tenant_id"),
			Token:         creds.token,
			Claims:        creds.claims,
			CorrelationID: CorrelationIDFrom(r.Context()),
			TraceID:       observability.TraceIDFromContext(r.Context()),
			Locale:        r.Header.Get(model.HeaderAcceptLanguage),
		}
		next.ServeHTTP(w, r.WithContext(model.WithRequestContext(r.Context(), rctx)))
	})
}

// HandlerTimeout bounds the whole batch. Operations not started by the
// deadline fail with 504; a zero duration disables the bound.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging writes one info line per batch once it has been answered.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			observability.RequestLogger(r.Context(), logger).Info("bulk request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func claimString(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return v
}
