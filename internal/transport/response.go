// Package transport exposes the action dispatcher over HTTP, WebSocket,
// NATS and in-process calls. Every transport builds a model.Connection,
// runs the invocation and renders the completed ActionData.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/relay/model"
)

// StatusHeader carries the completion status on HTTP responses.
const StatusHeader = "X-Action-Status"

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:            http.StatusBadRequest,
	model.ErrUnauthorized:          http.StatusUnauthorized,
	model.ErrConflict:              http.StatusConflict,
	model.ErrNotFound:              http.StatusNotFound,
	model.ErrUnknownAction:         http.StatusNotFound,
	model.ErrUnsupportedServerType: http.StatusBadRequest,
	model.ErrMissingParams:         http.StatusUnprocessableEntity,
	model.ErrValidationError:       http.StatusUnprocessableEntity,
	model.ErrTooManyRequests:       http.StatusTooManyRequests,
	model.ErrServerShuttingDown:    http.StatusServiceUnavailable,
	model.ErrInternalError:         http.StatusInternalServerError,
}

// statusForAction maps completion statuses to HTTP status codes.
var statusForAction = map[model.ActionStatus]int{
	model.StatusComplete:              http.StatusOK,
	model.StatusMissingParams:         http.StatusUnprocessableEntity,
	model.StatusValidatorErrors:       http.StatusUnprocessableEntity,
	model.StatusUnknownAction:         http.StatusNotFound,
	model.StatusUnsupportedServerType: http.StatusBadRequest,
	model.StatusTooManyRequests:       http.StatusTooManyRequests,
	model.StatusServerShuttingDown:    http.StatusServiceUnavailable,
	model.StatusGenericError:          http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status code for a completed invocation. An
// action error carrying an ErrorEnvelope with an explicit HTTP status
// overrides the status mapping.
func HTTPStatus(data *model.ActionData) int {
	var ee *model.ErrorEnvelope
	if errors.As(data.Err, &ee) && ee.HTTPStatus != 0 {
		return ee.HTTPStatus
	}
	if code, ok := statusForAction[data.Status]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteAction writes the response of a completed invocation.
func WriteAction(w http.ResponseWriter, data *model.ActionData) {
	w.Header().Set(StatusHeader, data.Status.String())
	WriteJSON(w, HTTPStatus(data), data.ResponseValue())
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err is not an *ErrorEnvelope, a generic 500 is returned.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := ee.HTTPStatus
	if status == 0 {
		status = statusForCode[ee.Code]
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
