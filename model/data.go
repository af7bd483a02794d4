package model

import (
	"time"
)

// ActionData is the state of one invocation. It is handed to defaults,
// formatters, validators, middleware hooks and the action's Run, and it is
// what transports read once the invocation has completed.
type ActionData struct {
	Connection *Connection
	Action     string
	APIVersion string
	Definition *ActionDefinition
	Params     *Params
	Session    map[string]any
	MessageID  string
	StartedAt  time.Time

	MissingParams   []string
	ValidatorErrors []error

	Status   ActionStatus
	Err      error
	Duration time.Duration

	response Response
}

// NewActionData creates invocation state bound to conn with the given raw
// params.
func NewActionData(conn *Connection, params map[string]any) *ActionData {
	return &ActionData{
		Connection: conn,
		Params:     NewParams(params),
		Session:    make(map[string]any),
		response:   ObjectResponse{},
	}
}

// Response returns the current response.
func (d *ActionData) Response() Response {
	return d.response
}

// ResponseValue returns the JSON-serializable response value.
func (d *ActionData) ResponseValue() any {
	return ResponseValue(d.response)
}

// MergeResponse copies fields into an object response. Merging into a
// scalar response is a no-op so the scalar's type is preserved.
func (d *ActionData) MergeResponse(fields map[string]any) {
	obj, ok := d.response.(ObjectResponse)
	if !ok {
		return
	}
	for k, v := range fields {
		obj[k] = v
	}
}

// SetResponseField stores one field on an object response.
func (d *ActionData) SetResponseField(key string, value any) {
	d.MergeResponse(map[string]any{key: value})
}

// ReplaceResponse swaps the whole response, for example for a
// ScalarResponse.
func (d *ActionData) ReplaceResponse(r Response) {
	if r == nil {
		r = ObjectResponse{}
	}
	d.response = r
}

// AttachError writes err onto the response: as the "error" field of an
// object response, or replacing a scalar response entirely.
func (d *ActionData) AttachError(err error) {
	if err == nil {
		return
	}
	rendered := RenderError(err)
	switch r := d.response.(type) {
	case ObjectResponse:
		r["error"] = rendered
	default:
		d.response = ScalarResponse{Value: rendered}
	}
}
