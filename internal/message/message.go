// ABOUTME: Immutable message envelope with correlation-safe reply construction
// ABOUTME: Messages are JSON encoded with goccy/go-json for logs and relays

package message

import (
	"fmt"
	"slices"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Broadcast is the recipient sentinel that fans a message out to every
// registered agent except its sender.
const Broadcast = "broadcast"

// Message is a unit of inter-agent communication. It must not be modified
// after construction; build a new message instead.
type Message struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Payload       Payload   `json:"payload"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Priority      int       `json:"priority"`
}

// Option customises a message at construction time.
type Option func(*Message)

// WithPriority sets the message priority. Higher is more important.
func WithPriority(p int) Option {
	return func(m *Message) { m.Priority = p }
}

// WithCorrelation sets the correlation id on a non-reply message.
func WithCorrelation(id string) Option {
	return func(m *Message) { m.CorrelationID = id }
}

// New creates a message with a fresh id and the current time. The payload
// is copied so later changes by the caller do not leak into the message.
func New(t Type, sender, recipient string, payload Payload, opts ...Option) *Message {
	m := &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Sender:    sender,
		Recipient: recipient,
		Payload:   clonePayload(payload),
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateResponse builds the reply to m. Sender and recipient are swapped,
// CorrelationID is m.ID and the type is RESPONSE or ERROR depending on
// success.
func (m *Message) CreateResponse(payload Payload, success bool) *Message {
	t := TypeResponse
	if !success {
		t = TypeError
	}
	return &Message{
		ID:            uuid.New().String(),
		Type:          t,
		Sender:        m.Recipient,
		Recipient:     m.Sender,
		Payload:       clonePayload(payload),
		CorrelationID: m.ID,
		Timestamp:     time.Now().UTC(),
		Priority:      m.Priority,
	}
}

// Reply is CreateResponse with the success flag taken from the payload.
func (m *Message) Reply(payload Payload) *Message {
	return m.CreateResponse(payload, payload.Success())
}

// IsReply reports whether the message is a RESPONSE or ERROR.
func (m *Message) IsReply() bool {
	return m.Type.IsReply()
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%s] %s -> %s", m.Type, m.ID, m.Sender, m.Recipient)
}

// Encode returns the JSON form of m.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a JSON message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("decoding message: missing id")
	}
	return &m, nil
}

// clonePayload copies p along with any nested maps and slices so the
// sender's later mutations never reach the recipient.
func clonePayload(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Payload:
		return clonePayload(t)
	case map[string]any:
		return map[string]any(clonePayload(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = clonePayload(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
