// Package gateway runs the daemon's WebSocket endpoint. It upgrades
// connections on /ws, pumps frames per client, fans broadcast events out
// to every peer, and hands decoded client commands to the daemon.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/famulus-dev/famulus/internal/bus"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

// Handler consumes decoded frames from connected clients. Ping is
// answered by the gateway itself and never reaches the handler.
type Handler interface {
	HandleClientMessage(ctx context.Context, clientID string, msg *protocol.ClientMessage)
}

// Config tunes the server.
type Config struct {
	Host string
	Port int
	// RateLimitRPM > 0 enables per-client inbound rate limiting at that
	// rate; <= 0 disables it.
	RateLimitRPM int
}

// Server is the WebSocket gateway.
type Server struct {
	cfg     Config
	pub     bus.Publisher
	handler Handler
	logger  *slog.Logger

	upgrader websocket.Upgrader
	limiter  *RateLimiter

	mu           sync.RWMutex
	clients      map[string]*Client
	onDisconnect func(clientID string)

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg Config, pub bus.Publisher, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		pub:     pub,
		handler: handler,
		logger:  logger,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.limiter = NewRateLimiter(cfg.RateLimitRPM, 5)
	return s
}

// SetOnDisconnect installs a hook run after a client is unregistered.
// The daemon uses it to clear the client's lane and release its pending
// approvals.
func (s *Server) SetOnDisconnect(fn func(clientID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// checkOrigin admits non-browser clients (no Origin header) and browser
// clients served from this machine. Anything else is rejected.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	s.logger.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down and closes the
// remaining client connections.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.Version)
}

// Broadcast sends env to every connected client directly, bypassing the
// bus. Used for frames that must go out even before the bus is wired.
func (s *Server) Broadcast(env protocol.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.Send(env)
	}
}

// ClientCount reports connected clients, feeding the heartbeat snapshot.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// dispatch handles one inbound frame from a client. Malformed and
// unknown frames are answered with a log frame, never dropped silently.
func (s *Server) dispatch(ctx context.Context, c *Client, data []byte) {
	if s.limiter.Enabled() && !s.limiter.Allow(c.id) {
		s.logger.Warn("gateway.rate_limited", "client", c.id)
		c.Send(protocol.New(protocol.TypeLog, protocol.LogPayload{
			Level:   "warn",
			Source:  "gateway",
			Message: "rate limit exceeded, frame dropped",
		}))
		return
	}

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		level := "error"
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			level = "warn"
		}
		s.logger.Warn("gateway.bad_frame", "client", c.id, "error", err)
		c.Send(protocol.New(protocol.TypeLog, protocol.LogPayload{
			Level:   level,
			Source:  "gateway",
			Message: err.Error(),
		}))
		return
	}

	if msg.Type == protocol.TypePing {
		c.Send(protocol.New(protocol.TypeLog, protocol.LogPayload{
			Level:   "info",
			Source:  "gateway",
			Message: "pong",
		}))
		return
	}

	if s.handler != nil {
		s.handler.HandleClientMessage(ctx, c.id, msg)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.pub.Subscribe(c.id, c.Send)
	s.logger.Info("gateway.client_connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	hook := s.onDisconnect
	s.mu.Unlock()

	s.pub.Unsubscribe(c.id)
	s.limiter.Forget(c.id)
	if hook != nil {
		hook(c.id)
	}
	s.logger.Info("gateway.client_disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}
