// Package proto holds the envelope and the topic vocabulary shared by every
// Talkilla endpoint: UI tabs, the social worker, the protocol adapter and
// the remote signaling server.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyTopic is returned when an envelope is built without a topic.
var ErrEmptyTopic = errors.New("proto: envelope topic is empty")

// Envelope is the unit exchanged between endpoints. Data is always JSON so
// whatever crosses a port boundary is serializable by construction.
//
// The routing header (From/To/Via/Callable) is only set by the event router;
// ID is only set on request/response exchanges that need correlation.
type Envelope struct {
	Topic    string          `json:"topic"`
	Data     json.RawMessage `json:"data,omitempty"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Via      string          `json:"via,omitempty"`
	Callable string          `json:"callable,omitempty"`
	ID       string          `json:"id,omitempty"`
}

// NewEnvelope marshals data and wraps it under topic.
func NewEnvelope(topic string, data any) (Envelope, error) {
	if topic == "" {
		return Envelope{}, ErrEmptyTopic
	}
	raw, err := Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("proto: envelope %q: %w", topic, err)
	}
	return Envelope{Topic: topic, Data: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("proto: envelope %q has no data", e.Topic)
	}
	return json.Unmarshal(e.Data, v)
}

// Marshal encodes v as JSON. A nil value encodes as no data at all, and an
// existing json.RawMessage is passed through untouched.
func Marshal(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}
	return json.Marshal(v)
}

// Message is one event received from the signaling server, as re-emitted by
// the signaling client on its "message" topic.
type Message struct {
	Type string          `json:"topic"`
	Data json.RawMessage `json:"data"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
