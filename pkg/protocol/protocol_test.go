package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := New(TypeChatStreamChunk, ChatStreamChunkPayload{RequestID: "r1", Delta: "hel"})
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != TypeChatStreamChunk {
		t.Errorf("Type = %q, want %q", got.Type, TypeChatStreamChunk)
	}

	var p ChatStreamChunkPayload
	if err := got.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.RequestID != "r1" || p.Delta != "hel" {
		t.Errorf("payload = %+v, want {r1 hel}", p)
	}
}

func TestEnvelopeTimestampISO8601(t *testing.T) {
	data, err := New(TypePing, nil).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var raw struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC 3339: %v", raw.Timestamp, err)
	}
}

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantType string
		wantErr  bool
	}{
		{
			name:     "ping",
			frame:    `{"type":"ping","timestamp":"2026-08-24T10:00:00Z"}`,
			wantType: TypePing,
		},
		{
			name:     "chat request",
			frame:    `{"type":"chat:request","timestamp":"2026-08-24T10:00:00Z","payload":{"requestId":"r1","content":"hi"}}`,
			wantType: TypeChatRequest,
		},
		{
			name:     "system command",
			frame:    `{"type":"system:command","timestamp":"2026-08-24T10:00:00Z","payload":{"command":"status"}}`,
			wantType: TypeSystemCommand,
		},
		{
			name:     "approval response",
			frame:    `{"type":"approval:response","timestamp":"2026-08-24T10:00:00Z","payload":{"approvalId":"a1","decision":"deny"}}`,
			wantType: TypeApprovalResponse,
		},
		{
			name:    "missing type",
			frame:   `{"timestamp":"2026-08-24T10:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			frame:   `{"type":`,
			wantErr: true,
		},
		{
			name:    "chat request with non-object payload",
			frame:   `{"type":"chat:request","payload":"nope"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tt.frame))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseClientMessage(%s) succeeded, want error", tt.frame)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseClientMessage: %v", err)
			}
			if msg.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", msg.Type, tt.wantType)
			}
		})
	}
}

func TestParseClientMessageUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"heartbeat","timestamp":"2026-08-24T10:00:00Z"}`))
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want *UnknownTypeError", err)
	}
	if unknown.Type != "heartbeat" {
		t.Errorf("unknown.Type = %q, want %q", unknown.Type, "heartbeat")
	}
	if !strings.Contains(unknown.Error(), "heartbeat") {
		t.Errorf("Error() = %q, want mention of offending type", unknown.Error())
	}
}

func TestParseClientMessagePayloadBinding(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"chat:request","payload":{"requestId":"r9","content":"do it","tier":"tier2"}}`))
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	if msg.ChatRequest == nil {
		t.Fatal("ChatRequest is nil")
	}
	if msg.SystemCommand != nil || msg.ApprovalResponse != nil {
		t.Error("unrelated payload fields populated")
	}
	if msg.ChatRequest.Tier != "tier2" {
		t.Errorf("Tier = %q, want tier2", msg.ChatRequest.Tier)
	}
}
