package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/bulk"
	"github.com/pitabwire/qset/internal/config"
	"github.com/pitabwire/qset/model"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 10 << 20

// rawResponse is an undecoded HTTP answer.
type rawResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// executeWithRetry wraps executeOnce with exponential backoff. A request with
// canRetry unset is sent exactly once.
func (c *Client) executeWithRetry(
	ctx context.Context,
	method, reqURL string,
	headers http.Header,
	body []byte,
	canRetry bool,
) (rawResponse, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 || !canRetry {
		maxAttempts = 1
	}

	var (
		lastErr    error
		lastResult rawResponse
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.observer.ObserveRetry()
			delay := calculateBackoff(c.retry, attempt)
			select {
			case <-ctx.Done():
				return rawResponse{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.executeOnce(ctx, method, reqURL, headers, body)
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return rawResponse{}, err
			}
			c.logger.Debug("retrying after error",
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}

		if isRetryableStatus(result.Status) && canRetry && attempt < maxAttempts-1 {
			lastErr = nil
			lastResult = result
			c.logger.Debug("retrying after status",
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Int("status", result.Status),
			)
			continue
		}

		return result, nil
	}

	if lastErr != nil {
		c.logger.Warn("retries exhausted",
			zap.String("method", method),
			zap.String("url", reqURL),
			zap.Error(lastErr),
		)
		return rawResponse{}, lastErr
	}
	return lastResult, nil
}

// executeOnce performs a single HTTP request with circuit breaker protection.
func (c *Client) executeOnce(
	ctx context.Context,
	method, reqURL string,
	headers http.Header,
	body []byte,
) (rawResponse, error) {
	if err := c.breaker.Allow(); err != nil {
		return rawResponse{}, model.NewBackendUnavailableError()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return rawResponse{}, fmt.Errorf("invoker: build request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		if ctx.Err() != nil {
			return rawResponse{}, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return rawResponse{}, model.NewBackendUnavailableError()
		}
		return rawResponse{}, fmt.Errorf("invoker: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.RecordFailure()
		return rawResponse{}, fmt.Errorf("invoker: read response: %w", err)
	}

	// 4xx are not infrastructure failures.
	if isServerError(resp.StatusCode) {
		c.breaker.RecordFailure()
	} else if !isClientError(resp.StatusCode) {
		c.breaker.RecordSuccess()
	}

	return rawResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   respBody,
	}, nil
}

// decodeBody parses a JSON body. Non-JSON bodies are returned as a string and
// empty bodies as nil.
func decodeBody(body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed
	}
	return string(body)
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

// headerValue looks a header up case-insensitively.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// --- classification helpers ---

// canRetryRequest reports whether a direct request may be resent.
func (c *Client) canRetryRequest(method string) bool {
	return isIdempotentMethod(method) || !c.retry.IdempotentOnly
}

// canRetryBatch reports whether a bulk batch may be resent. The outer PUT or
// POST says nothing about the operations inside, so a batch carrying any
// write is sent once whatever the retry settings.
func canRetryBatch(descriptors []bulk.Descriptor) bool {
	for _, d := range descriptors {
		if !isIdempotentMethod(d.Method) {
			return false
		}
	}
	return true
}

func isIdempotentMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isServerError(code int) bool {
	return code >= 500
}

func isClientError(code int) bool {
	return code >= 400 && code < 500
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// Breaker open and timeouts are final.
	var env *model.ErrorEnvelope
	return !errors.As(err, &env)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}
