// Package main is the entry point for qsctl. It loads an API schema, builds
// the views tree, and either runs one data command against the API or serves
// the bulk endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/config"
	"github.com/pitabwire/qset/internal/entity"
	"github.com/pitabwire/qset/internal/invoker"
	"github.com/pitabwire/qset/internal/observability"
	"github.com/pitabwire/qset/internal/openapi"
	"github.com/pitabwire/qset/internal/queryset"
	"github.com/pitabwire/qset/internal/views"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const usage = `usage: qsctl [-config file] [-o json|yaml] <command> [args]

commands:
  views                              list the views built from the schema
  list   <path> [-p k=v] [-f k=v]    list entities of a view
  get    <path> <key> [-p k=v]       fetch one entity
  create <path> k=v...               create an entity
  update <path> <key> k=v...         partially update an entity
  delete <path> <key>...             delete entities
  serve                              run the bulk endpoint
`

var errUsage = errors.New("invalid usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("qsctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "qset.yaml", "path to configuration file")
	format := fs.String("o", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	command, rest := fs.Arg(0), fs.Args()[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 1
	}
	if command != "serve" {
		cfg.Observability.LogOutput = "stderr"
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "qsctl", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := tracingShutdown(context.Background()); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
	}()

	if command == "serve" {
		return serve(ctx, cfg, logger)
	}

	a, cleanup, err := newApp(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer cleanup()
	a.out = newPrinter(stdout, *format)

	if err := a.dispatch(ctx, command, rest); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "%v\n\n%s", err, usage)
			return 2
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// app holds everything a data command needs.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	client   *invoker.Client
	etags    invoker.ETagStore
	resolver *views.Resolver
	out      *printer
}

// newApp loads the schema and wires the API client, models, and views.
func newApp(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, func(), error) {
	metrics := observability.InitMetrics(reg)

	etags, closeETags, err := buildETagStore(cfg.ETagCache, logger)
	if err != nil {
		return nil, nil, err
	}
	opts := []invoker.Option{
		invoker.WithObserver(metrics),
		invoker.WithLogger(logger),
	}
	if etags != nil {
		opts = append(opts, invoker.WithETagStore(etags))
	}
	client := invoker.New(cfg, opts...)

	resolver, err := buildResolver(cfg, client, logger, metrics)
	if err != nil {
		closeETags()
		return nil, nil, err
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		client:   client,
		etags:    etags,
		resolver: resolver,
	}, closeETags, nil
}

// buildResolver loads the schema document and builds the views resolver.
func buildResolver(cfg *config.Config, transport queryset.Transport, logger *zap.Logger, metrics *observability.Metrics) (*views.Resolver, error) {
	if cfg.Schema.Path == "" {
		return nil, errors.New("schema.path is required")
	}
	var loadOpts []openapi.LoadOption
	if cfg.Schema.Validate {
		loadOpts = append(loadOpts, openapi.WithValidation())
	}
	doc, err := openapi.Load(cfg.Schema.Path, loadOpts...)
	if err != nil {
		return nil, err
	}

	models := entity.NewResolver(doc, entity.WithLogger(logger))
	built, err := views.NewBuilder(doc, models, transport,
		views.WithBuilderLogger(logger),
		views.WithQuerySetOptions(queryset.WithLogger(logger)),
	).Build()
	if err != nil {
		return nil, fmt.Errorf("building views: %w", err)
	}

	resolver := views.NewResolver(built,
		views.WithLogger(logger),
		views.WithAggregationObserver(metrics),
	)
	if cfg.Query.Prefetch {
		resolver.EnablePrefetch()
	}
	logger.Info("schema loaded",
		zap.String("path", cfg.Schema.Path),
		zap.Int("views", len(built)),
	)
	return resolver, nil
}

// buildETagStore creates the revalidation cache based on config. It returns
// a nil store when the cache is disabled.
func buildETagStore(cfg config.ETagCacheConfig, logger *zap.Logger) (invoker.ETagStore, func(), error) {
	nop := func() {}
	if !cfg.Enabled {
		return nil, nop, nil
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Debug("using in-memory etag store", zap.Int("max_entries", cfg.MaxEntries))
		return invoker.NewMemoryETagStore(cfg.MaxEntries), nop, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("etag store: %s environment variable not set", cfg.AddrEnv)
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Debug("using redis etag store", zap.String("addr", addr), zap.Int("db", cfg.DB))
		return invoker.NewRedisETagStore(rdb), func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("closing redis client", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported etag store driver: %q", cfg.Driver)
	}
}
