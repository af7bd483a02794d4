package model

// ActionStatus is the completion status of one action invocation. Every
// invocation ends with exactly one of these.
type ActionStatus string

// Completion statuses.
const (
	StatusComplete              ActionStatus = "complete"
	StatusGenericError          ActionStatus = "generic_error"
	StatusServerShuttingDown    ActionStatus = "server_shutting_down"
	StatusTooManyRequests       ActionStatus = "too_many_requests"
	StatusUnknownAction         ActionStatus = "unknown_action"
	StatusUnsupportedServerType ActionStatus = "unsupported_server_type"
	StatusMissingParams         ActionStatus = "missing_params"
	StatusValidatorErrors       ActionStatus = "validator_errors"
)

// AllStatuses lists every completion status in declaration order.
var AllStatuses = []ActionStatus{
	StatusComplete,
	StatusGenericError,
	StatusServerShuttingDown,
	StatusTooManyRequests,
	StatusUnknownAction,
	StatusUnsupportedServerType,
	StatusMissingParams,
	StatusValidatorErrors,
}

// IsClientError reports whether the status is caused by the caller rather
// than by the action or the server.
func (s ActionStatus) IsClientError() bool {
	switch s {
	case StatusTooManyRequests, StatusUnknownAction, StatusUnsupportedServerType,
		StatusMissingParams, StatusValidatorErrors:
		return true
	}
	return false
}

func (s ActionStatus) String() string {
	return string(s)
}
