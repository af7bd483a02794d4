package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/relay/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewNotFoundError("action not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if body.Error.Code != model.ErrNotFound {
		t.Errorf("code = %q, want %q", body.Error.Code, model.ErrNotFound)
	}
	if body.Error.Message != "action not found" {
		t.Errorf("message = %q", body.Error.Message)
	}
}

func TestWriteError_wrapped(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("loading: %w", model.NewBadRequestError("bad")))

	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWriteError_nonEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("boom"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if body.Error.Code != model.ErrInternalError {
		t.Errorf("code = %q, want %q", body.Error.Code, model.ErrInternalError)
	}
}

func TestWriteError_codeWithoutStatus(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, &model.ErrorEnvelope{Code: model.ErrTooManyRequests, Message: "slow down"})

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestWriteNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNotFound(w, "missing")

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		status model.ActionStatus
		err    error
		want   int
	}{
		{model.StatusComplete, nil, 200},
		{model.StatusMissingParams, nil, 422},
		{model.StatusValidatorErrors, nil, 422},
		{model.StatusUnknownAction, nil, 404},
		{model.StatusUnsupportedServerType, nil, 400},
		{model.StatusTooManyRequests, nil, 429},
		{model.StatusServerShuttingDown, nil, 503},
		{model.StatusGenericError, errors.New("boom"), 500},
		{model.StatusGenericError, model.NewUnauthorizedError("no token"), 401},
		{model.StatusGenericError, fmt.Errorf("wrapped: %w", model.NewConflictError("locked")), 409},
		{model.ActionStatus("mystery"), nil, 500},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			data := model.NewActionData(model.NewConnection(model.ConnectionOptions{ID: "c"}), nil)
			data.Status = tt.status
			data.Err = tt.err
			if got := HTTPStatus(data); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteAction(t *testing.T) {
	data := model.NewActionData(model.NewConnection(model.ConnectionOptions{ID: "c"}), nil)
	data.Status = model.StatusComplete
	data.SetResponseField("answer", float64(42))

	w := httptest.NewRecorder()
	WriteAction(w, data)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get(StatusHeader); got != "complete" {
		t.Errorf("%s = %q", StatusHeader, got)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["answer"] != float64(42) {
		t.Errorf("body = %v", body)
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []string{
		model.ErrBadRequest,
		model.ErrUnauthorized,
		model.ErrConflict,
		model.ErrNotFound,
		model.ErrUnknownAction,
		model.ErrUnsupportedServerType,
		model.ErrMissingParams,
		model.ErrValidationError,
		model.ErrTooManyRequests,
		model.ErrServerShuttingDown,
		model.ErrInternalError,
	}
	for _, code := range codes {
		if _, ok := statusForCode[code]; !ok {
			t.Errorf("statusForCode missing %s", code)
		}
	}
}
