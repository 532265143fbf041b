// Package bus decouples event producers (heartbeat, router, cron, worker)
// from the gateway that fans frames out to WebSocket clients.
package bus

import (
	"sync"

	"github.com/famulus-dev/famulus/pkg/protocol"
)

// Handler receives a broadcast frame. Handlers run synchronously on the
// broadcaster's goroutine and must not block; the gateway hands frames to
// buffered per-client channels.
type Handler func(env protocol.Envelope)

// Publisher abstracts frame broadcast + subscription. Subsystems hold this
// interface so tests can capture frames without a live gateway.
type Publisher interface {
	Subscribe(id string, h Handler)
	Unsubscribe(id string)
	Broadcast(env protocol.Envelope)
}

// Bus is the in-process Publisher used by the daemon.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

// Subscribe registers h under id, replacing any previous handler with the
// same id.
func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = h
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers env to every subscriber. Delivery order across
// subscribers is unspecified; frames from one goroutine are delivered to
// each subscriber in broadcast order.
func (b *Bus) Broadcast(env protocol.Envelope) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

var _ Publisher = (*Bus)(nil)
