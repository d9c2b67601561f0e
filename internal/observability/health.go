package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Version and Commit are set with -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Check states reported by /ready.
const (
	CheckOK    = "ok"
	CheckError = "error"
)

const checkTimeout = 2 * time.Second

var errNoSchema = errors.New("no API schema loaded")

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the body of /ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one named readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by dependencies that can check themselves,
// such as the API client and the ETag stores.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ready verifies. The schema check always runs;
// Upstream and ETagStore only when set.
type ReadinessChecks struct {
	SchemaLoaded func() bool
	Upstream     HealthChecker
	ETagStore    HealthChecker
}

func (c ReadinessChecks) named() map[string]HealthChecker {
	checks := map[string]HealthChecker{
		"schema": HealthCheckFunc(func(context.Context) error {
			if c.SchemaLoaded == nil || !c.SchemaLoaded() {
				return errNoSchema
			}
			return nil
		}),
	}
	if c.Upstream != nil {
		checks["upstream"] = c.Upstream
	}
	if c.ETagStore != nil {
		checks["etag_store"] = c.ETagStore
	}
	return checks
}

// HandleHealth serves the liveness check.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness check. Checks run concurrently, each
// bounded by its own timeout; any failure answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			mu      sync.Mutex
			results = make(map[string]CheckResult)
		)
		g, ctx := errgroup.WithContext(r.Context())
		for name, checker := range checks.named() {
			g.Go(func() error {
				res := runCheck(ctx, checker)
				mu.Lock()
				results[name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != CheckOK {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealth(w, status, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: CheckOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = CheckError, err.Error()
	}
	return res
}

func writeHealth(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
