package model

// Response is the payload an invocation produces. It is either an
// ObjectResponse (the default, a map that actions and middleware merge into)
// or a ScalarResponse set explicitly by an action to return a bare string or
// array.
type Response interface {
	isResponse()
}

// ObjectResponse is a keyed response. Results returned by Run and by
// middleware hooks are merged into it.
type ObjectResponse map[string]any

func (ObjectResponse) isResponse() {}

// ScalarResponse is a response that replaces the object entirely, typically
// a string or a slice. Its exact type is preserved for the transport.
type ScalarResponse struct {
	Value any
}

func (ScalarResponse) isResponse() {}

// ResponseValue returns the JSON-serializable value of r.
func ResponseValue(r Response) any {
	switch v := r.(type) {
	case ObjectResponse:
		return map[string]any(v)
	case ScalarResponse:
		return v.Value
	default:
		return nil
	}
}
