// Package transport serves the bulk endpoint: an HTTP router that executes
// ordered batches of API operations with back-references between them.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/pitabwire/qset/internal/bulk"
	"github.com/pitabwire/qset/model"
)

var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrBulkAborted:        http.StatusBadGateway,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// abortResponse is the body of a failed transactional batch: the envelope
// plus the results collected up to and including the failing operation.
type abortResponse struct {
	Error   *model.ErrorEnvelope `json:"error"`
	Results []bulk.Result        `json:"results"`
}

// WriteJSON encodes body as the response with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError answers with the envelope err carries. Model validation errors
// become VALIDATION_ERROR; anything else is reported as an opaque 500.
func WriteError(w http.ResponseWriter, err error) {
	ee := envelopeFor(err)
	WriteJSON(w, statusFor(ee), errorResponse{Error: ee})
}

// WriteBadRequest answers 400 with msg.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewBadRequestError(msg))
}

// WriteAborted answers a transactional batch whose operation at index failed.
func WriteAborted(w http.ResponseWriter, index int, results []bulk.Result) {
	failed := results[index]
	ee := &model.ErrorEnvelope{
		Code:    model.ErrBulkAborted,
		Message: fmt.Sprintf("operation %d failed with status %d", index, failed.Status),
	}
	WriteJSON(w, statusFor(ee), abortResponse{Error: ee, Results: results})
}

func envelopeFor(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	var mve *model.ModelValidationError
	if errors.As(err, &mve) {
		return mve.ToEnvelope()
	}
	return model.NewInternalError()
}

func statusFor(ee *model.ErrorEnvelope) int {
	if status, ok := statusForCode[ee.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
