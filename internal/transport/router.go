package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/config"
	"github.com/pitabwire/qset/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Dispatcher   Dispatcher
	Authenticate func(http.Handler) http.Handler
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	Logger       *zap.Logger
}

// NewRouter creates a chi.Router with the middleware pipeline and the bulk
// endpoint. Health, readiness, and metrics endpoints bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CorrelationID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	opts := []BulkOption{
		WithMaxOperations(deps.Config.Endpoint.MaxOperations),
		WithLogger(logger),
	}
	if deps.Metrics != nil {
		opts = append(opts, WithOperationObserver(deps.Metrics))
	}
	handler := NewBulkHandler(deps.Dispatcher, opts...)

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Endpoint.WriteTimeout))
		r.Use(RequestLogging(logger))

		r.Put(deps.Config.Endpoint.Path, handler.ServeHTTP)
		r.Post(deps.Config.Endpoint.Path, handler.ServeHTTP)
	})

	return r
}
