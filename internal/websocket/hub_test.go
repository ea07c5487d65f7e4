package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, h *Hub) Message {
	t.Helper()
	select {
	case m := <-h.broadcast:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message broadcast in time")
		return Message{}
	}
}

func TestBroadcastTickEnvelope(t *testing.T) {
	h := NewHub()
	h.BroadcastTick(12, 1, 3, 42)

	msg := drain(t, h)
	require.Equal(t, MessageTypeTick, msg.Type)
	assert.Equal(t, 12, msg.Data["params_read"])
	assert.Equal(t, 1, msg.Data["errors"])
	assert.Equal(t, 3, msg.Data["reconciled"])
	assert.Equal(t, int64(42), msg.Data["duration_ms"])
}

func TestBroadcastCommandEnvelopeOmitsErrorWhenEmpty(t *testing.T) {
	h := NewHub()
	h.BroadcastCommand("c1", "set_parameter", "completed", "")

	msg := drain(t, h)
	require.Equal(t, MessageTypeCommand, msg.Type)
	assert.Equal(t, "c1", msg.Data["command_id"])
	assert.NotContains(t, msg.Data, "error")
}

func TestBroadcastCommandEnvelopeIncludesError(t *testing.T) {
	h := NewHub()
	h.BroadcastCommand("c2", "set_parameter", "failed", "missing_target")

	msg := drain(t, h)
	assert.Equal(t, "missing_target", msg.Data["error"])
}

func TestBroadcastExecutionEnvelope(t *testing.T) {
	h := NewHub()
	h.BroadcastExecution("exec-1", "recipe-1", "completed")

	msg := drain(t, h)
	require.Equal(t, MessageTypeExecution, msg.Type)
	assert.Equal(t, "exec-1", msg.Data["execution_id"])
	assert.Equal(t, "recipe-1", msg.Data["recipe_id"])
	assert.Equal(t, "completed", msg.Data["status"])
}

func TestBroadcastTransportEnvelope(t *testing.T) {
	h := NewHub()
	h.BroadcastTransport("faulted")

	msg := drain(t, h)
	require.Equal(t, MessageTypeTransport, msg.Type)
	assert.Equal(t, "faulted", msg.Data["state"])
}
