package connection

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/relay/model"
)

func TestHandle_action(t *testing.T) {
	h := newHandler(t)
	conn := newConn("c1")

	reply, quit := h.Handle(context.Background(), conn, Message{
		Event:     "action",
		Params:    map[string]any{"action": "echo", "word": "hi"},
		MessageID: "m-1",
	})

	assert.False(t, quit)
	assert.Equal(t, "hi", reply["word"])
	assert.Equal(t, "complete", reply["status"])
	assert.Equal(t, "response", reply["context"])
	assert.Equal(t, "m-1", reply["messageId"])
}

func TestHandle_defaultEventIsAction(t *testing.T) {
	h := newHandler(t)
	reply, _ := h.Handle(context.Background(), newConn("c1"), Message{
		Params: map[string]any{"action": "echo", "word": "hi"},
	})
	assert.Equal(t, "complete", reply["status"])
	assert.Equal(t, "1", reply["messageId"], "a message id is generated per connection")
}

func TestHandle_actionFailure(t *testing.T) {
	h := newHandler(t)
	reply, _ := h.Handle(context.Background(), newConn("c1"), Message{
		Event:  "action",
		Params: map[string]any{"action": "echo"},
	})
	assert.Equal(t, "missing_params", reply["status"])
	assert.Equal(t, "word is a required parameter for this action", reply["error"])
}

func TestHandle_scalarResponse(t *testing.T) {
	h := newHandler(t)
	reply, _ := h.Handle(context.Background(), newConn("c1"), Message{
		Params: map[string]any{"action": "words"},
	})
	assert.Equal(t, []string{"a", "b"}, reply["data"])
	assert.Equal(t, "complete", reply["status"])
}

func TestHandle_verb(t *testing.T) {
	h := newHandler(t)
	conn := newConn("c1")

	reply, quit := h.Handle(context.Background(), conn, Message{Event: "paramAdd", Key: "k", Value: "v", MessageID: "9"})
	assert.False(t, quit)
	assert.Equal(t, "OK", reply["status"])
	assert.Equal(t, "paramAdd", reply["verb"])
	assert.Equal(t, "9", reply["messageId"])

	reply, _ = h.Handle(context.Background(), conn, Message{Event: "roomLeave", Room: "nope"})
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "connection not in this room (nope)", reply["error"])

	_, quit = h.Handle(context.Background(), conn, Message{Event: "quit"})
	assert.True(t, quit)
}

func TestMessage_decode(t *testing.T) {
	var msg Message
	raw := `{"event":"action","params":{"action":"status","apiVersion":2},"messageId":"abc"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	assert.Equal(t, VerbAction, msg.Event)
	assert.Equal(t, "status", msg.Params["action"])
	assert.Equal(t, float64(2), msg.Params["apiVersion"])
	assert.Equal(t, "abc", msg.MessageID)
}

func TestActionReply_doesNotAliasResponse(t *testing.T) {
	conn := newConn("c1")
	data := model.NewActionData(conn, nil)
	data.Status = model.StatusComplete
	data.SetResponseField("k", "v")

	reply := ActionReply(data, "1")
	reply["k"] = "changed"

	assert.Equal(t, "v", data.ResponseValue().(map[string]any)["k"])
}
