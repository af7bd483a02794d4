package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/pitabwire/relay/internal/processor"
	"github.com/pitabwire/relay/model"
)

// Caller runs actions from Go code on connections of type "inproc".
type Caller struct {
	dispatcher *processor.Dispatcher
}

// NewCaller creates a Caller.
func NewCaller(d *processor.Dispatcher) *Caller {
	return &Caller{dispatcher: d}
}

// Call runs action with params on a fresh connection and returns the
// completed invocation.
func (c *Caller) Call(ctx context.Context, action string, params map[string]any) *model.ActionData {
	return c.CallVersion(ctx, action, "", params)
}

// CallVersion is Call for a specific apiVersion.
func (c *Caller) CallVersion(ctx context.Context, action, apiVersion string, params map[string]any) *model.ActionData {
	return c.CallOn(ctx, c.Connection(nil), action, apiVersion, params)
}

// CallOn runs action on an existing connection so that its sticky params
// and fingerprint apply.
func (c *Caller) CallOn(ctx context.Context, conn *model.Connection, action, apiVersion string, params map[string]any) *model.ActionData {
	return c.dispatcher.Process(ctx, conn, params, action, apiVersion)
}

// Connection creates an inproc connection carrying meta.
func (c *Caller) Connection(meta map[string]string) *model.Connection {
	id := uuid.NewString()
	return model.NewConnection(model.ConnectionOptions{
		ID:       id,
		Type:     TypeInProc,
		RemoteIP: "127.0.0.1",
		Meta:     meta,
	})
}
