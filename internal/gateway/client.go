package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/famulus-dev/famulus/pkg/protocol"
)

const (
	maxFrameBytes  = 1 << 20
	sendBufferSize = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second // must be shorter than pongWait
)

// Client is one connected WebSocket peer. All writes to the connection
// go through the write pump; other goroutines only enqueue.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		conn:   conn,
		server: s,
		logger: s.logger.With("client", id),
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// ID identifies the client for session lanes and approval ownership.
func (c *Client) ID() string { return c.id }

// Send enqueues env for delivery. A client that cannot keep up gets the
// frame dropped rather than blocking the broadcaster.
func (c *Client) Send(env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("gateway.send_buffer_full", "type", env.Type)
	}
}

// Run pumps the connection until the peer disconnects or ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("gateway.read_error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.server.dispatch(ctx, c, data)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
