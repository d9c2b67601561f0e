package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/qset/internal/config"
	"github.com/pitabwire/qset/model"
)

// Redacted replaces sensitive values in debug output.
const Redacted = "[REDACTED]"

// NewLogger builds a JSON zap logger writing to cfg.LogOutput (stdout when
// unset). Unknown levels fall back to info.
//
// Level conventions:
//   - error: upstream failures, aborted transactional batches
//   - warn:  exhausted retries, open breaker, failed prefetch
//   - info:  endpoint lifecycle, schema load
//   - debug: ETag cache, bulk operations, model resolution
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	output := cfg.LogOutput
	if output == "" {
		output = "stdout"
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder.EncodeDuration = zapcore.MillisDurationEncoder

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoder,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapCfg.Build()
}

// RequestLogger returns logger annotated with the identity and correlation
// fields of the RequestContext in ctx.
func RequestLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}
	fields := make([]zap.Field, 0, 4)
	if rctx.SubjectID != "" {
		fields = append(fields, zap.String("subject_id", rctx.SubjectID))
	}
	if rctx.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", rctx.TenantID))
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"authorization",
	"credit_card",
}

// IsSensitiveKey reports whether values stored under key must not be logged.
// Matching is case-insensitive on substrings, so "refresh_token" and
// "X-Api-Key" count as sensitive.
func IsSensitiveKey(key string) bool {
	k := strings.ReplaceAll(strings.ToLower(key), "-", "_")
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactValue returns a copy of bulk operation data with sensitive object
// members replaced by Redacted. Objects nested in lists are walked too.
func RedactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = RedactValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = RedactValue(item)
		}
		return out
	}
	return v
}

// RedactHeaders is RedactValue for per-operation headers.
func RedactHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if IsSensitiveKey(k) {
			v = Redacted
		}
		out[k] = v
	}
	return out
}
