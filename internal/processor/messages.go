package processor

import (
	"context"
	"fmt"

	"github.com/pitabwire/relay/model"
)

// Messages builds the error value written onto a response for each failing
// completion status, and for connection verb failures. A builder may return
// a string, an error or any JSON-serializable value. Nil builders fall back
// to DefaultMessages.
type Messages struct {
	UnknownAction         func(ctx context.Context, data *model.ActionData) any
	UnsupportedServerType func(ctx context.Context, data *model.ActionData) any
	ServerShuttingDown    func(ctx context.Context, data *model.ActionData) any
	TooManyPendingActions func(ctx context.Context, data *model.ActionData) any
	MissingParams         func(ctx context.Context, data *model.ActionData, missing []string) any
	InvalidParams         func(ctx context.Context, data *model.ActionData, errs []error) any
	GenericError          func(ctx context.Context, data *model.ActionData, err error) any

	VerbNotFound            func(ctx context.Context, conn *model.Connection, verb string) any
	VerbNotAllowed          func(ctx context.Context, conn *model.Connection, verb string) any
	ConnectionRoomRequired  func(ctx context.Context, conn *model.Connection) any
	ConnectionAlreadyInRoom func(ctx context.Context, conn *model.Connection, room string) any
	ConnectionNotInRoom     func(ctx context.Context, conn *model.Connection, room string) any
}

// DefaultMessages returns the built-in English builders.
func DefaultMessages() Messages {
	return Messages{
		UnknownAction: func(context.Context, *model.ActionData) any {
			return "unknown action or invalid apiVersion"
		},
		UnsupportedServerType: func(_ context.Context, data *model.ActionData) any {
			return fmt.Sprintf("this action does not support the %s connection type", data.Connection.Type)
		},
		ServerShuttingDown: func(context.Context, *model.ActionData) any {
			return "the server is shutting down"
		},
		TooManyPendingActions: func(context.Context, *model.ActionData) any {
			return "you have too many pending requests"
		},
		MissingParams: func(_ context.Context, _ *model.ActionData, missing []string) any {
			return fmt.Sprintf("%s is a required parameter for this action", missing[0])
		},
		InvalidParams: func(_ context.Context, _ *model.ActionData, errs []error) any {
			return errs[0]
		},
		GenericError: func(_ context.Context, _ *model.ActionData, err error) any {
			return err
		},
		VerbNotFound: func(_ context.Context, _ *model.Connection, verb string) any {
			return fmt.Sprintf("I do not know how to perform this verb (%s)", verb)
		},
		VerbNotAllowed: func(_ context.Context, _ *model.Connection, verb string) any {
			return fmt.Sprintf("verb not found or not allowed (%s)", verb)
		},
		ConnectionRoomRequired: func(context.Context, *model.Connection) any {
			return "a room is required"
		},
		ConnectionAlreadyInRoom: func(_ context.Context, _ *model.Connection, room string) any {
			return fmt.Sprintf("connection already in this room (%s)", room)
		},
		ConnectionNotInRoom: func(_ context.Context, _ *model.Connection, room string) any {
			return fmt.Sprintf("connection not in this room (%s)", room)
		},
	}
}

// withDefaults fills every nil builder from DefaultMessages.
func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	if m.UnknownAction == nil {
		m.UnknownAction = d.UnknownAction
	}
	if m.UnsupportedServerType == nil {
		m.UnsupportedServerType = d.UnsupportedServerType
	}
	if m.ServerShuttingDown == nil {
		m.ServerShuttingDown = d.ServerShuttingDown
	}
	if m.TooManyPendingActions == nil {
		m.TooManyPendingActions = d.TooManyPendingActions
	}
	if m.MissingParams == nil {
		m.MissingParams = d.MissingParams
	}
	if m.InvalidParams == nil {
		m.InvalidParams = d.InvalidParams
	}
	if m.GenericError == nil {
		m.GenericError = d.GenericError
	}
	if m.VerbNotFound == nil {
		m.VerbNotFound = d.VerbNotFound
	}
	if m.VerbNotAllowed == nil {
		m.VerbNotAllowed = d.VerbNotAllowed
	}
	if m.ConnectionRoomRequired == nil {
		m.ConnectionRoomRequired = d.ConnectionRoomRequired
	}
	if m.ConnectionAlreadyInRoom == nil {
		m.ConnectionAlreadyInRoom = d.ConnectionAlreadyInRoom
	}
	if m.ConnectionNotInRoom == nil {
		m.ConnectionNotInRoom = d.ConnectionNotInRoom
	}
	return m
}

// build returns the error for a failing status. err is the cause for
// generic_error and is ignored otherwise.
func (m Messages) build(ctx context.Context, status model.ActionStatus, data *model.ActionData, err error) error {
	var v any
	switch status {
	case model.StatusUnknownAction:
		v = m.UnknownAction(ctx, data)
	case model.StatusUnsupportedServerType:
		v = m.UnsupportedServerType(ctx, data)
	case model.StatusServerShuttingDown:
		v = m.ServerShuttingDown(ctx, data)
	case model.StatusTooManyRequests:
		v = m.TooManyPendingActions(ctx, data)
	case model.StatusMissingParams:
		v = m.MissingParams(ctx, data, data.MissingParams)
	case model.StatusValidatorErrors:
		v = m.InvalidParams(ctx, data, data.ValidatorErrors)
	case model.StatusGenericError:
		v = m.GenericError(ctx, data, err)
	default:
		return nil
	}
	return model.AsError(v)
}
