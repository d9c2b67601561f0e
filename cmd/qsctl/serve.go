package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/config"
	"github.com/pitabwire/qset/internal/invoker"
	"github.com/pitabwire/qset/internal/observability"
	"github.com/pitabwire/qset/internal/transport"
)

// serve runs the bulk endpoint in front of the configured REST API until ctx
// is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) int {
	upstreamCfg := *cfg
	if cfg.Endpoint.Upstream != "" {
		upstreamCfg.API.BaseURL = cfg.Endpoint.Upstream
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	etags, closeETags, err := buildETagStore(cfg.ETagCache, logger)
	if err != nil {
		logger.Error("etag store initialization failed", zap.Error(err))
		return 1
	}
	defer closeETags()

	opts := []invoker.Option{
		invoker.WithObserver(metrics),
		invoker.WithLogger(logger),
	}
	if etags != nil {
		opts = append(opts, invoker.WithETagStore(etags))
	}
	client := invoker.New(&upstreamCfg, opts...)

	schemaLoaded := true
	if cfg.Schema.Path != "" {
		if _, err := buildResolver(cfg, client, logger, metrics); err != nil {
			logger.Error("schema load failed", zap.Error(err))
			return 1
		}
	}

	readiness := observability.ReadinessChecks{
		SchemaLoaded: func() bool { return schemaLoaded },
		Upstream:     client,
	}
	if hc, ok := etags.(observability.HealthChecker); ok {
		readiness.ETagStore = hc
	}

	var authenticate func(http.Handler) http.Handler
	if env := cfg.Endpoint.JWTSecretEnv; env != "" {
		secret := os.Getenv(env)
		if secret == "" {
			logger.Error("jwt secret not set", zap.String("env", env))
			return 1
		}
		authenticate = transport.JWTAuthenticator([]byte(secret))
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Dispatcher:   transport.NewUpstream(client),
		Authenticate: authenticate,
		Metrics:      metrics,
		Readiness:    readiness,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Endpoint.Port),
		Handler:      router,
		ReadTimeout:  cfg.Endpoint.ReadTimeout,
		WriteTimeout: cfg.Endpoint.WriteTimeout,
	}

	logger.Info("endpoint started",
		zap.Int("port", cfg.Endpoint.Port),
		zap.String("path", cfg.Endpoint.Path),
		zap.String("upstream", upstreamCfg.API.BaseURL),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return 1
		}
	}

	shutdownTimeout := cfg.Endpoint.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return 0
}
