package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/observability"
	"github.com/pitabwire/relay/model"
)

// Observer writes one Record per completed invocation. Write failures are
// logged and never affect the invocation.
type Observer struct {
	store    Store
	logger   *zap.Logger
	filtered []string
	timeout  time.Duration
}

// NewObserver creates an Observer. filteredParams are redacted before the
// params are stored.
func NewObserver(store Store, logger *zap.Logger, filteredParams []string) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		store:    store,
		logger:   logger,
		filtered: filteredParams,
		timeout:  5 * time.Second,
	}
}

// ActionCompleted records data.
func (o *Observer) ActionCompleted(ctx context.Context, data *model.ActionData) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	if _, err := o.store.Append(ctx, NewRecord(data, o.filtered)); err != nil {
		o.logger.Warn("audit record not stored",
			zap.String("action", data.Action),
			zap.String("status", data.Status.String()),
			zap.Error(err),
		)
	}
}

// NewRecord summarizes a completed invocation.
func NewRecord(data *model.ActionData, filteredParams []string) Record {
	r := Record{
		Action:     data.Action,
		APIVersion: data.APIVersion,
		Status:     data.Status.String(),
		MessageID:  data.MessageID,
		StartedAt:  data.StartedAt,
		Duration:   data.Duration,
	}
	if data.Connection != nil {
		r.ConnectionID = data.Connection.ID
		r.ConnectionType = data.Connection.Type
		r.RemoteIP = data.Connection.RemoteIP
	}
	if data.Params != nil {
		r.Params = observability.RedactBody(data.Params.Map(), filteredParams)
	}
	if data.Err != nil {
		r.Error = data.Err.Error()
	}
	return r
}
