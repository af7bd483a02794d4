package connection

import (
	"context"

	"github.com/pitabwire/relay/model"
)

// ReplyContext marks frames that answer a client message.
const ReplyContext = "response"

// Message is one frame received from a persistent connection. Event is
// either "action" or a connection verb.
type Message struct {
	Event     string         `json:"event"`
	Params    map[string]any `json:"params,omitempty"`
	Key       string         `json:"key,omitempty"`
	Value     any            `json:"value,omitempty"`
	Room      string         `json:"room,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
}

// Handle executes msg and returns the reply frame. quit reports that the
// client asked to close the connection.
func (h *Handler) Handle(ctx context.Context, conn *model.Connection, msg Message) (reply map[string]any, quit bool) {
	messageID := msg.MessageID
	if messageID == "" {
		messageID = conn.NextMessageID()
	}

	if msg.Event == "" || msg.Event == VerbAction {
		params := make(map[string]any, len(msg.Params)+1)
		for k, v := range msg.Params {
			params[k] = v
		}
		params["messageId"] = messageID
		return ActionReply(h.Run(ctx, conn, params), messageID), false
	}

	res := h.Verb(ctx, conn, msg.Event, Args{Key: msg.Key, Value: msg.Value, Room: msg.Room})
	return VerbReply(res, messageID), res.Quit
}

// ActionReply renders a completed invocation. Object responses are copied
// and annotated. A scalar response is placed under "data", or replaced by
// "error" when the invocation failed.
func ActionReply(data *model.ActionData, messageID string) map[string]any {
	var reply map[string]any
	switch r := data.Response().(type) {
	case model.ObjectResponse:
		reply = make(map[string]any, len(r)+3)
		for k, v := range r {
			reply[k] = v
		}
	default:
		if data.Err != nil {
			reply = map[string]any{"error": model.RenderError(data.Err)}
		} else {
			reply = map[string]any{"data": data.ResponseValue()}
		}
	}
	reply["status"] = data.Status.String()
	reply["context"] = ReplyContext
	reply["messageId"] = messageID
	return reply
}

// VerbReply renders a verb result.
func VerbReply(res Result, messageID string) map[string]any {
	reply := map[string]any{
		"context":   ReplyContext,
		"messageId": messageID,
		"verb":      res.Verb,
		"status":    "OK",
	}
	if res.Data != nil {
		reply["data"] = res.Data
	}
	if res.Err != nil {
		reply["status"] = "error"
		reply["error"] = model.RenderError(res.Err)
	}
	return reply
}
