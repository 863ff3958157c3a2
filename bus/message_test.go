package bus

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
)

func TestMessageValidate(t *testing.T) {
	valid := func() *Message {
		return &Message{
			ID:        "m1",
			Type:      TypeNotify,
			From:      "a",
			To:        Recipients{"b"},
			Timestamp: time.Now(),
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("unknown type", func(t *testing.T) {
		msg := valid()
		msg.Type = "SHOUT"
		assert.ErrorIs(t, msg.Validate(), core.ErrInvalidMessage)
	})

	t.Run("missing sender", func(t *testing.T) {
		msg := valid()
		msg.From = ""
		assert.ErrorIs(t, msg.Validate(), core.ErrInvalidMessage)
	})

	t.Run("missing recipient for non-broadcast", func(t *testing.T) {
		msg := valid()
		msg.To = nil
		assert.ErrorIs(t, msg.Validate(), core.ErrInvalidMessage)
	})

	t.Run("broadcast needs no recipient", func(t *testing.T) {
		msg := valid()
		msg.Type = TypeBroadcast
		msg.To = nil
		assert.NoError(t, msg.Validate())
	})

	t.Run("response without correlation id", func(t *testing.T) {
		msg := valid()
		msg.Type = TypeResponse
		assert.ErrorIs(t, msg.Validate(), core.ErrInvalidMessage)
	})

	t.Run("invalid priority", func(t *testing.T) {
		msg := valid()
		msg.Priority = "URGENT"
		assert.ErrorIs(t, msg.Validate(), core.ErrInvalidMessage)
	})

	t.Run("negative ttl", func(t *testing.T) {
		msg := valid()
		msg.TTLMs = -1
		assert.ErrorIs(t, msg.Validate(), core.ErrInvalidMessage)
	})
}

func TestMessageExpired(t *testing.T) {
	now := time.Now()
	msg := &Message{Timestamp: now.Add(-2 * time.Second), TTLMs: 1000}
	assert.True(t, msg.Expired(now))

	msg.TTLMs = 5000
	assert.False(t, msg.Expired(now))

	msg.TTLMs = 0
	assert.False(t, msg.Expired(now))
}

func TestMessageNormalize(t *testing.T) {
	msg := &Message{Type: TypeNotify, From: "a", To: Recipients{"b"}}
	msg.normalize()
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, PriorityNormal, msg.Priority)

	// Normalize never overwrites explicit values.
	again := *msg
	again.normalize()
	assert.Equal(t, msg.ID, again.ID)
}

func TestRecipientsJSON(t *testing.T) {
	t.Run("scalar form", func(t *testing.T) {
		var r Recipients
		require.NoError(t, json.Unmarshal([]byte(`"agent-a"`), &r))
		assert.Equal(t, Recipients{"agent-a"}, r)

		out, err := json.Marshal(r)
		require.NoError(t, err)
		assert.JSONEq(t, `"agent-a"`, string(out))
	})

	t.Run("list form", func(t *testing.T) {
		var r Recipients
		require.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &r))
		assert.Equal(t, Recipients{"a", "b"}, r)
	})
}

func TestEnvelopeWireFormat(t *testing.T) {
	msg := &Message{
		ID:            "m1",
		Type:          TypeRequest,
		From:          "X",
		To:            Recipients{"A"},
		Payload:       map[string]interface{}{"k": "v"},
		Priority:      PriorityHigh,
		CorrelationID: "c1",
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		TTLMs:         1000,
	}
	data, err := json.Marshal(envelope{Message: msg, SourceInstance: "host-1"})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "host-1", decoded["sourceInstance"])
	inner := decoded["message"].(map[string]interface{})
	assert.Equal(t, "REQUEST", inner["type"])
	assert.Equal(t, "A", inner["to"])
	assert.Equal(t, "c1", inner["correlationId"])
	assert.Equal(t, "2026-01-02T03:04:05Z", inner["timestamp"])

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, msg.CorrelationID, env.Message.CorrelationID)
	assert.True(t, msg.Timestamp.Equal(env.Message.Timestamp))
}

func TestSanitizeError(t *testing.T) {
	passthrough := []error{
		core.ErrRequestTimeout,
		core.ErrTimeout,
		core.ErrNoHandler,
		core.ErrUnknownAgent,
		core.ErrBusShuttingDown,
	}
	for _, err := range passthrough {
		assert.Equal(t, err.Error(), sanitizeError(err))
	}

	assert.Equal(t, "Request processing failed",
		sanitizeError(errors.New("pq: connection string leaked")))
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "boom", errorText(map[string]interface{}{"error": "boom"}))
	assert.Equal(t, "boom", errorText("boom"))
	assert.Equal(t, "Request processing failed", errorText(42))
}
