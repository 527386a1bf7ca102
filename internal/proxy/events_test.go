package proxy

import (
	"testing"
	"time"
)

// A monitor that stops draining its queue must not hold up the
// connection handlers publishing events.
func TestBroadcastSkipsStalledMonitor(t *testing.T) {
	h := NewHub()
	stuck := &wsClient{send: make(chan []byte), done: make(chan struct{})}
	h.clients[stuck] = struct{}{}
	defer close(stuck.done)

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Broadcast(Event{Type: EventWebSocketFrame, ExchangeID: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked behind a stalled monitor")
	}

	select {
	case <-sub:
	default:
		t.Fatal("channel subscriber starved by the stalled monitor")
	}
}
