package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/famulus-dev/famulus/internal/bus"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

type handled struct {
	clientID string
	msg      *protocol.ClientMessage
}

type recordingHandler struct {
	got chan handled
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan handled, 8)}
}

func (h *recordingHandler) HandleClientMessage(_ context.Context, clientID string, msg *protocol.ClientMessage) {
	h.got <- handled{clientID: clientID, msg: msg}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, handler Handler, rpm int) (*Server, *bus.Bus, *httptest.Server) {
	t.Helper()
	b := bus.New()
	s := NewServer(Config{RateLimitRPM: rpm}, b, handler, discardLogger())
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return s, b, ts
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", s.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, nil, 0)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := string(body); !strings.Contains(got, `"status":"ok"`) || !strings.Contains(got, `"protocol":1`) {
		t.Errorf("body = %s", got)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	_, _, ts := newTestServer(t, nil, 0)
	conn := dial(t, ts, nil)

	writeEnvelope(t, conn, protocol.New(protocol.TypePing, nil))

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeLog {
		t.Fatalf("type = %q, want %q", env.Type, protocol.TypeLog)
	}
	var p protocol.LogPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Message != "pong" || p.Source != "gateway" {
		t.Errorf("payload = %+v", p)
	}
}

func TestBadFramesAreAnswered(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantLevel string
	}{
		{name: "malformed json", raw: `{"type":`, wantLevel: "error"},
		{name: "missing type", raw: `{"payload":{}}`, wantLevel: "error"},
		{name: "unknown type", raw: `{"type":"weird:frame","payload":{}}`, wantLevel: "warn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ts := newTestServer(t, nil, 0)
			conn := dial(t, ts, nil)

			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatalf("write: %v", err)
			}

			env := readEnvelope(t, conn)
			if env.Type != protocol.TypeLog {
				t.Fatalf("type = %q, want %q", env.Type, protocol.TypeLog)
			}
			var p protocol.LogPayload
			if err := env.DecodePayload(&p); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if p.Level != tt.wantLevel {
				t.Errorf("level = %q, want %q", p.Level, tt.wantLevel)
			}
		})
	}
}

func TestInboundFramesReachHandler(t *testing.T) {
	h := newRecordingHandler()
	_, _, ts := newTestServer(t, h, 0)
	conn := dial(t, ts, nil)

	writeEnvelope(t, conn, protocol.New(protocol.TypeChatRequest, protocol.ChatRequestPayload{
		RequestID: "r1",
		Content:   "hello",
	}))

	select {
	case got := <-h.got:
		if got.clientID == "" {
			t.Error("empty client id")
		}
		if got.msg.Type != protocol.TypeChatRequest {
			t.Errorf("type = %q", got.msg.Type)
		}
		if got.msg.ChatRequest == nil || got.msg.ChatRequest.RequestID != "r1" || got.msg.ChatRequest.Content != "hello" {
			t.Errorf("chat request = %+v", got.msg.ChatRequest)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the frame")
	}
}

func TestBusEventsReachClient(t *testing.T) {
	s, b, ts := newTestServer(t, nil, 0)
	conn := dial(t, ts, nil)
	waitForClients(t, s, 1)

	b.Broadcast(protocol.New(protocol.TypeHeartbeat, protocol.HeartbeatPayload{State: "IDLE", Tick: 7}))

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeHeartbeat {
		t.Fatalf("type = %q, want %q", env.Type, protocol.TypeHeartbeat)
	}
	var p protocol.HeartbeatPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Tick != 7 {
		t.Errorf("tick = %d, want 7", p.Tick)
	}
}

func TestBroadcastFansOutToAllClients(t *testing.T) {
	s, _, ts := newTestServer(t, nil, 0)
	conn1 := dial(t, ts, nil)
	conn2 := dial(t, ts, nil)
	waitForClients(t, s, 2)

	s.Broadcast(protocol.New(protocol.TypeSystemStatus, protocol.SystemStatusPayload{Status: protocol.StatusReady}))

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		env := readEnvelope(t, conn)
		if env.Type != protocol.TypeSystemStatus {
			t.Errorf("client %d: type = %q", i+1, env.Type)
		}
	}
}

func TestDisconnectRunsHookAndDropsCount(t *testing.T) {
	s, _, ts := newTestServer(t, nil, 0)

	hookCh := make(chan string, 1)
	s.SetOnDisconnect(func(clientID string) { hookCh <- clientID })

	conn := dial(t, ts, nil)
	waitForClients(t, s, 1)

	conn.Close()

	select {
	case id := <-hookCh:
		if id == "" {
			t.Error("hook got empty client id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook never ran")
	}
	waitForClients(t, s, 0)
}

func TestRateLimiterDropsExcessFrames(t *testing.T) {
	// 6 RPM with the fixed burst of 5: five frames pass, the sixth is
	// dropped and answered with a warning.
	_, _, ts := newTestServer(t, nil, 6)
	conn := dial(t, ts, nil)

	for i := 0; i < 6; i++ {
		writeEnvelope(t, conn, protocol.New(protocol.TypePing, nil))
	}

	for i := 0; i < 6; i++ {
		env := readEnvelope(t, conn)
		var p protocol.LogPayload
		if err := env.DecodePayload(&p); err != nil {
			t.Fatalf("frame %d: decode payload: %v", i, err)
		}
		if i < 5 {
			if p.Message != "pong" {
				t.Errorf("frame %d: message = %q, want pong", i, p.Message)
			}
			continue
		}
		if p.Level != "warn" || !strings.Contains(p.Message, "rate limit") {
			t.Errorf("frame %d: payload = %+v, want rate limit warning", i, p)
		}
	}
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{name: "no origin", origin: "", wantErr: false},
		{name: "localhost", origin: "http://localhost:3000", wantErr: false},
		{name: "loopback ip", origin: "http://127.0.0.1:8080", wantErr: false},
		{name: "remote host", origin: "https://evil.example", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ts := newTestServer(t, nil, 0)

			var header http.Header
			if tt.origin != "" {
				header = http.Header{"Origin": []string{tt.origin}}
			}

			url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
			conn, _, err := websocket.DefaultDialer.Dial(url, header)
			if conn != nil {
				defer conn.Close()
			}
			if tt.wantErr && err == nil {
				t.Error("dial succeeded, want rejection")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("dial: %v", err)
			}
		})
	}
}
