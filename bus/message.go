// Package bus implements the message bus that connects agents: a local
// single-process implementation and a Redis pub/sub backed distributed
// implementation sharing one interface, with correlation-id request
// tracking and boundary validation of inbound wire messages.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// MessageType discriminates the message union on the wire.
type MessageType string

const (
	TypeRequest   MessageType = "REQUEST"
	TypeResponse  MessageType = "RESPONSE"
	TypeError     MessageType = "ERROR"
	TypeBroadcast MessageType = "BROADCAST"
	TypeNotify    MessageType = "NOTIFY"
)

// Priority orders competing deliveries. The bus itself is best-effort;
// priority is advisory metadata for handlers.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Recipients is the message "to" field: absent for broadcast, a single
// agent id, or a list. JSON accepts both the scalar and list forms.
type Recipients []string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Recipients) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = Recipients{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*r = Recipients(many)
	return nil
}

// MarshalJSON implements json.Marshaler, preserving the scalar form for a
// single recipient.
func (r Recipients) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

// Message is one unit of bus traffic. Send fills ID and Timestamp.
type Message struct {
	ID            string                 `json:"id"`
	Type          MessageType            `json:"type"`
	From          string                 `json:"from"`
	To            Recipients             `json:"to,omitempty"`
	Payload       interface{}            `json:"payload"`
	Priority      Priority               `json:"priority,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	TTLMs         int64                  `json:"ttl,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// envelope is the distributed wire format: the message plus the id of the
// replica that published it, so responses can be routed home.
type envelope struct {
	Message        *Message `json:"message"`
	SourceInstance string   `json:"sourceInstance"`
}

// Validate enforces the message invariants at the process boundary.
// Malformed inbound messages are dropped by the dispatcher, never crash it.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("nil message: %w", core.ErrInvalidMessage)
	}
	switch m.Type {
	case TypeRequest, TypeResponse, TypeError, TypeBroadcast, TypeNotify:
	default:
		return fmt.Errorf("unknown message type %q: %w", m.Type, core.ErrInvalidMessage)
	}
	if m.From == "" {
		return fmt.Errorf("message %s has no sender: %w", m.ID, core.ErrInvalidMessage)
	}
	switch m.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("message %s has invalid priority %q: %w", m.ID, m.Priority, core.ErrInvalidMessage)
	}
	if m.TTLMs < 0 {
		return fmt.Errorf("message %s has negative ttl: %w", m.ID, core.ErrInvalidMessage)
	}
	// Response and Error messages bind to their originating request.
	if (m.Type == TypeResponse || m.Type == TypeError) && m.CorrelationID == "" {
		return fmt.Errorf("message %s of type %s has no correlation id: %w", m.ID, m.Type, core.ErrInvalidMessage)
	}
	if m.Type != TypeBroadcast && len(m.To) == 0 {
		return fmt.Errorf("message %s of type %s has no recipient: %w", m.ID, m.Type, core.ErrInvalidMessage)
	}
	return nil
}

// Expired reports whether the message's ttl elapsed relative to now.
func (m *Message) Expired(now time.Time) bool {
	if m.TTLMs <= 0 || m.Timestamp.IsZero() {
		return false
	}
	return now.After(m.Timestamp.Add(time.Duration(m.TTLMs) * time.Millisecond))
}

// normalize fills generated fields prior to routing.
func (m *Message) normalize() {
	if m.ID == "" {
		m.ID = core.NewID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
}
