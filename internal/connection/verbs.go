// Package connection implements the verbs persistent connections accept
// besides running actions: sticky params, rooms, connection details and
// documentation.
package connection

import (
	"context"
	"errors"

	"github.com/pitabwire/relay/internal/docs"
	"github.com/pitabwire/relay/internal/processor"
	"github.com/pitabwire/relay/model"
)

// VerbAction is the verb that runs an action. It is handled by Run, not by
// Verb.
const VerbAction = "action"

// Verb results reported to the Recorder.
const (
	ResultOK         = "ok"
	ResultError      = "error"
	ResultNotFound   = "not_found"
	ResultNotAllowed = "not_allowed"
)

// Recorder receives one call per verb.
type Recorder interface {
	RecordVerb(verb, result string)
}

// Args are the arguments of one verb.
type Args struct {
	Key   string
	Value any
	Room  string
}

// Result is the outcome of one verb. Quit asks the transport to close the
// connection after replying.
type Result struct {
	Verb string
	Data any
	Err  error
	Quit bool
}

// Handler runs verbs and actions for persistent connections.
type Handler struct {
	dispatcher *processor.Dispatcher
	rooms      *Rooms
	recorder   Recorder
	allowed    map[string]bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithRecorder reports every verb to rec.
func WithRecorder(rec Recorder) Option {
	return func(h *Handler) { h.recorder = rec }
}

// WithRooms shares a room registry between handlers.
func WithRooms(rooms *Rooms) Option {
	return func(h *Handler) { h.rooms = rooms }
}

// WithAllowedVerbs restricts the verbs a connection may use. Known verbs
// left out are rejected with the verb-not-allowed message.
func WithAllowedVerbs(verbs ...string) Option {
	return func(h *Handler) {
		h.allowed = make(map[string]bool, len(verbs))
		for _, v := range verbs {
			h.allowed[v] = true
		}
	}
}

// NewHandler creates a Handler that runs actions on d. Every verb is
// allowed unless WithAllowedVerbs is given.
func NewHandler(d *processor.Dispatcher, opts ...Option) *Handler {
	h := &Handler{dispatcher: d}
	for _, opt := range opts {
		opt(h)
	}
	if h.rooms == nil {
		h.rooms = NewRooms()
	}
	if h.allowed == nil {
		h.allowed = make(map[string]bool, len(model.Verbs))
		for _, v := range model.Verbs {
			h.allowed[v] = true
		}
	}
	return h
}

// Rooms returns the room registry.
func (h *Handler) Rooms() *Rooms {
	return h.rooms
}

// Run executes an action for conn. The connection's sticky params are
// applied first and params override them.
func (h *Handler) Run(ctx context.Context, conn *model.Connection, params map[string]any) *model.ActionData {
	merged := conn.Params()
	for k, v := range params {
		merged[k] = v
	}
	return h.dispatcher.Process(ctx, conn, merged, "", "")
}

// Verb executes a connection verb.
func (h *Handler) Verb(ctx context.Context, conn *model.Connection, verb string, args Args) Result {
	res := h.verb(ctx, conn, verb, args)
	if h.recorder != nil {
		h.recorder.RecordVerb(verbLabel(verb), resultLabel(res, verb, h))
	}
	return res
}

func (h *Handler) verb(ctx context.Context, conn *model.Connection, verb string, args Args) Result {
	res := Result{Verb: verb}
	msgs := h.dispatcher.Messages()

	if !isKnownVerb(verb) {
		res.Err = model.AsError(msgs.VerbNotFound(ctx, conn, verb))
		return res
	}
	if !h.allowed[verb] {
		res.Err = model.AsError(msgs.VerbNotAllowed(ctx, conn, verb))
		return res
	}

	switch verb {
	case model.VerbQuit, model.VerbExit:
		h.rooms.LeaveAll(conn)
		res.Quit = true
	case model.VerbParamAdd:
		if args.Key == "" {
			res.Err = errKeyRequired
			break
		}
		conn.SetParam(args.Key, args.Value)
	case model.VerbParamDelete:
		if args.Key == "" {
			res.Err = errKeyRequired
			break
		}
		conn.DeleteParam(args.Key)
	case model.VerbParamView:
		res.Data = conn.Params()[args.Key]
	case model.VerbParamsView:
		res.Data = conn.Params()
	case model.VerbParamsDelete:
		conn.ClearParams()
	case model.VerbRoomAdd:
		if args.Room == "" {
			res.Err = model.AsError(msgs.ConnectionRoomRequired(ctx, conn))
			break
		}
		if !h.rooms.Join(args.Room, conn) {
			res.Err = model.AsError(msgs.ConnectionAlreadyInRoom(ctx, conn, args.Room))
		}
	case model.VerbRoomLeave:
		if args.Room == "" {
			res.Err = model.AsError(msgs.ConnectionRoomRequired(ctx, conn))
			break
		}
		if !h.rooms.Leave(args.Room, conn) {
			res.Err = model.AsError(msgs.ConnectionNotInRoom(ctx, conn, args.Room))
		}
	case model.VerbRoomView:
		if args.Room == "" {
			res.Err = model.AsError(msgs.ConnectionRoomRequired(ctx, conn))
			break
		}
		if !conn.InRoom(args.Room) {
			res.Err = model.AsError(msgs.ConnectionNotInRoom(ctx, conn, args.Room))
			break
		}
		res.Data = h.rooms.Status(args.Room)
	case model.VerbDetailsView:
		res.Data = conn.Details()
	case model.VerbDocumentation:
		res.Data = docs.Documentation(h.dispatcher.Actions())
	}
	return res
}

var errKeyRequired = errors.New("a param key is required")

func isKnownVerb(verb string) bool {
	for _, v := range model.Verbs {
		if v == verb {
			return true
		}
	}
	return false
}

// verbLabel keeps unknown verbs out of metric label values.
func verbLabel(verb string) string {
	if isKnownVerb(verb) {
		return verb
	}
	return "unknown"
}

func resultLabel(res Result, verb string, h *Handler) string {
	switch {
	case !isKnownVerb(verb):
		return ResultNotFound
	case !h.allowed[verb]:
		return ResultNotAllowed
	case res.Err != nil:
		return ResultError
	default:
		return ResultOK
	}
}
