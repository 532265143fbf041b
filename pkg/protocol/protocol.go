// Package protocol defines the wire format spoken between the daemon and
// its clients (terminal UI, messaging bridges) over the local WebSocket.
//
// Every frame is a JSON envelope discriminated by "type":
//
//	{"type": "chat:stream:chunk", "timestamp": "2026-08-24T10:15:03Z", "payload": {...}}
//
// Payload shapes are contractual; see events.go for server->client frames
// and commands.go for client->server frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is bumped when a frame shape changes incompatibly.
const Version = 1

// Envelope is the outer wire frame. Timestamp marshals as RFC 3339.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope for typ, stamping it with the current time.
// A payload that cannot marshal is sent as an empty payload; all payload
// types in this package marshal cleanly.
func New(typ string, payload interface{}) Envelope {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	return Envelope{Type: typ, Timestamp: time.Now().UTC(), Payload: raw}
}

// Encode serialises the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("protocol: %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: %s: decode payload: %w", e.Type, err)
	}
	return nil
}

// Decode parses a raw frame into an envelope without interpreting the
// payload. A frame with no type is rejected.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: frame missing type")
	}
	return e, nil
}

// UnknownTypeError reports a frame whose type is not part of the protocol.
// Unknown frames must be answered, never silently dropped.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown message type %q", e.Type)
}
