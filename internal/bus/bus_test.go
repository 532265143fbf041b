package bus

import (
	"sync"
	"testing"

	"github.com/famulus-dev/famulus/pkg/protocol"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New()

	var mu sync.Mutex
	got := map[string]int{}
	for _, id := range []string{"a", "b", "c"} {
		id := id
		b.Subscribe(id, func(env protocol.Envelope) {
			mu.Lock()
			got[id]++
			mu.Unlock()
		})
	}

	b.Broadcast(protocol.New(protocol.TypeSystemStatus, protocol.SystemStatusPayload{Status: protocol.StatusReady}))

	for _, id := range []string{"a", "b", "c"} {
		if got[id] != 1 {
			t.Errorf("subscriber %s saw %d frames, want 1", id, got[id])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	count := 0
	b.Subscribe("x", func(protocol.Envelope) { count++ })
	b.Broadcast(protocol.New(protocol.TypePing, nil))
	b.Unsubscribe("x")
	b.Broadcast(protocol.New(protocol.TypePing, nil))

	if count != 1 {
		t.Errorf("handler ran %d times, want 1", count)
	}
}

func TestSubscribeSameIDReplaces(t *testing.T) {
	b := New()

	first, second := 0, 0
	b.Subscribe("x", func(protocol.Envelope) { first++ })
	b.Subscribe("x", func(protocol.Envelope) { second++ })
	b.Broadcast(protocol.New(protocol.TypePing, nil))

	if first != 0 || second != 1 {
		t.Errorf("first=%d second=%d, want 0 and 1", first, second)
	}
}
