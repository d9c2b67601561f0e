package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Data-access error codes.
const (
	ErrMultipleResults = "MULTIPLE_RESULTS"
	ErrWrongModel      = "WRONG_MODEL"
	ErrBulkAborted     = "BULK_ABORTED"
)

// ErrorEnvelope is the standard JSON error body returned by the bulk endpoint.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error in an envelope.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// TransportError is a non-2xx response from the remote API. Payload holds the
// decoded error body as returned by the server.
type TransportError struct {
	Status  int
	Payload any
	Method  string
	Path    string
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport: %s %s: status %d", strings.ToUpper(e.Method), e.Path, e.Status)
	if detail := e.Detail(); detail != "" {
		msg += ": " + detail
	}
	return msg
}

// Detail returns the "detail" message of the payload, if any.
func (e *TransportError) Detail() string {
	switch p := e.Payload.(type) {
	case string:
		return p
	case map[string]any:
		if d, ok := p["detail"].(string); ok {
			return d
		}
	}
	return ""
}

// NotFoundError is returned when a key-based lookup yields nothing. It is
// raised both for 404 detail responses and for empty filtered lists used in
// place of a detail lookup.
type NotFoundError struct {
	Model string
	Key   any
}

func (e *NotFoundError) Error() string {
	if e.Key == nil {
		return fmt.Sprintf("no %s matches the given query", e.Model)
	}
	return fmt.Sprintf("no %s found for key %v", e.Model, e.Key)
}

// MultipleResultsError is returned by single-entity lookups matching more
// than one row.
type MultipleResultsError struct {
	Model string
	Count int
}

func (e *MultipleResultsError) Error() string {
	return fmt.Sprintf("more than one %s found (%d)", e.Model, e.Count)
}

// WrongModelError is returned when an instance of an unexpected model is
// passed to a write operation.
type WrongModelError struct {
	Expected string
	Actual   string
}

func (e *WrongModelError) Error() string {
	return fmt.Sprintf("wrong model used: expected %s, actual %s", e.Expected, e.Actual)
}

// FieldValidationError is one field's failure inside a ModelValidationError.
// Message is either a string or a nested map[string]any of sub-errors.
type FieldValidationError struct {
	Field   string
	Title   string
	Message any
}

// ModelValidationError aggregates field failures in model declaration order.
type ModelValidationError struct {
	Errors []FieldValidationError
}

func (e *ModelValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.ToDisplayString()
	}
	return fmt.Sprintf("validation failed for %d fields:\n%s", len(e.Errors), e.ToDisplayString())
}

// ToFieldsErrors returns the errors keyed by field name, skipping empty
// messages. Iteration and JSON encoding follow declaration order.
func (e *ModelValidationError) ToFieldsErrors() *FieldErrorMap {
	m := &FieldErrorMap{values: make(map[string]any, len(e.Errors))}
	for _, fe := range e.Errors {
		if isEmptyMessage(fe.Message) {
			continue
		}
		m.set(fe.Field, fe.Message)
	}
	return m
}

// ToDisplayString flattens all errors into lines of "Title: message".
// Nested messages are rendered one key per line, indented three spaces per
// level, with keys in sorted order.
func (e *ModelValidationError) ToDisplayString() string {
	var lines []string
	for _, fe := range e.Errors {
		title := fe.Title
		if title == "" {
			title = fe.Field
		}
		switch msg := fe.Message.(type) {
		case string:
			lines = append(lines, title+": "+msg)
		case map[string]any:
			nested := nestedErrorLines(msg, 1)
			if len(nested) > 0 {
				lines = append(lines, title+":")
				lines = append(lines, nested...)
			}
		default:
			if msg != nil {
				lines = append(lines, fmt.Sprintf("%s: %v", title, msg))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// ToEnvelope converts the error into a VALIDATION_ERROR envelope.
func (e *ModelValidationError) ToEnvelope() *ErrorEnvelope {
	details := make([]FieldError, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msg, ok := fe.Message.(string)
		if !ok {
			msg = strings.TrimSpace(strings.Join(nestedErrorLines(asMap(fe.Message), 0), "; "))
		}
		details = append(details, FieldError{Field: fe.Field, Code: "INVALID", Message: msg})
	}
	return NewValidationError(details)
}

func nestedErrorLines(obj map[string]any, indent int) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pad := strings.Repeat(" ", indent*3)
	var lines []string
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			lines = append(lines, pad+k+": "+v)
		case map[string]any:
			nested := nestedErrorLines(v, indent+1)
			if len(nested) > 0 {
				lines = append(lines, pad+k+":")
				lines = append(lines, nested...)
			}
		default:
			if v != nil {
				lines = append(lines, fmt.Sprintf("%s%s: %v", pad, k, v))
			}
		}
	}
	return lines
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func isEmptyMessage(v any) bool {
	switch m := v.(type) {
	case nil:
		return true
	case string:
		return m == ""
	case map[string]any:
		return len(m) == 0
	}
	return false
}

// IsNotFound reports whether err is a NotFoundError or a 404 TransportError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te) && te.Status == 404
}

// IsTransport reports whether err is a TransportError and returns its status.
func IsTransport(err error) (int, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Status, true
	}
	return 0, false
}
