// Package client is the daemon's WebSocket client, used by the CLI
// subcommands (chat, status, cron) to talk to a running gateway.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/famulus-dev/famulus/pkg/protocol"
)

// Client wraps coder/websocket with a thread-safe writer and typed
// envelope reads.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to the daemon at host:port.
func Dial(ctx context.Context, host string, port int) (*Client, error) {
	wsURL := fmt.Sprintf("ws://%s:%d/ws", host, port)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	conn.SetReadLimit(1 << 20) // 1MB
	return &Client{conn: conn}, nil
}

// Send encodes and writes one envelope. Thread-safe.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Read blocks until the next server frame arrives, the context is
// cancelled, or the connection closes.
func (c *Client) Read(ctx context.Context) (protocol.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}

// WaitFor reads frames until match returns true for one, returning that
// frame. Frames that do not match are handed to each, if set.
func (c *Client) WaitFor(ctx context.Context, timeout time.Duration, match func(protocol.Envelope) bool, each func(protocol.Envelope)) (protocol.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		env, err := c.Read(ctx)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if match(env) {
			return env, nil
		}
		if each != nil {
			each(env)
		}
	}
}

// Close sends a normal close frame and shuts the connection down.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
