package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard error codes, one per failing completion status plus the codes
// used by connection verbs and load-time validation.
const (
	ErrBadRequest            = "BAD_REQUEST"
	ErrUnauthorized          = "UNAUTHORIZED"
	ErrConflict              = "CONFLICT"
	ErrNotFound              = "NOT_FOUND"
	ErrUnknownAction         = "UNKNOWN_ACTION"
	ErrUnsupportedServerType = "UNSUPPORTED_SERVER_TYPE"
	ErrMissingParams         = "MISSING_PARAMS"
	ErrValidationError       = "VALIDATION_ERROR"
	ErrTooManyRequests       = "TOO_MANY_REQUESTS"
	ErrServerShuttingDown    = "SERVER_SHUTTING_DOWN"
	ErrInternalError         = "INTERNAL_ERROR"
	ErrVerbNotFound          = "VERB_NOT_FOUND"
	ErrVerbNotAllowed        = "VERB_NOT_ALLOWED"
	ErrRoom                  = "ROOM_ERROR"
)

// Sentinel errors shared by the dispatch pipeline.
var (
	// ErrParamsLocked is returned by every mutating Params method once the
	// params have been locked for the action run.
	ErrParamsLocked = errors.New("params are locked and cannot be modified")

	// ErrValidationFailed is returned by a validator that rejects a value
	// without a specific message. The pipeline replaces it with a generic
	// "failed validation" error naming the parameter.
	ErrValidationFailed = errors.New("failed validation")
)

// codeForStatus maps failing completion statuses to envelope codes.
var codeForStatus = map[ActionStatus]string{
	StatusGenericError:          ErrInternalError,
	StatusServerShuttingDown:    ErrServerShuttingDown,
	StatusTooManyRequests:       ErrTooManyRequests,
	StatusUnknownAction:         ErrUnknownAction,
	StatusUnsupportedServerType: ErrUnsupportedServerType,
	StatusMissingParams:         ErrMissingParams,
	StatusValidatorErrors:       ErrValidationError,
}

// CodeForStatus returns the envelope code for a completion status, or an
// empty string for StatusComplete.
func CodeForStatus(s ActionStatus) string {
	return codeForStatus[s]
}

// ErrorEnvelope is a structured error an action or a message builder can
// return. Transports render it as an object. It implements the error
// interface.
type ErrorEnvelope struct {
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	Details    []FieldError `json:"details,omitempty"`
	HTTPStatus int          `json:"-"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error rendered with HTTP 401.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg, HTTPStatus: 401}
}

// NewConflictError returns a CONFLICT error rendered with HTTP 409.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg, HTTPStatus: 409}
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

// StructuredError carries an arbitrary JSON-serializable value produced by
// an error-message builder. It marshals as the value itself so machine
// clients receive the structure unchanged.
type StructuredError struct {
	Value any
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	data, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Sprint(e.Value)
	}
	return string(data)
}

// MarshalJSON encodes the wrapped value.
func (e *StructuredError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Value)
}

// AsError coerces a builder result into an error. Strings become plain
// errors, errors pass through, nil stays nil and anything else is wrapped
// in a StructuredError.
func AsError(v any) error {
	switch e := v.(type) {
	case nil:
		return nil
	case error:
		return e
	case string:
		return errors.New(e)
	default:
		return &StructuredError{Value: v}
	}
}

// RenderError converts an error into the value transports place on the
// response: structured errors keep their shape, everything else becomes
// its message string.
func RenderError(err error) any {
	if err == nil {
		return nil
	}
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Value
	}
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return err.Error()
}
