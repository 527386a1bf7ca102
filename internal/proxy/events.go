package proxy

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one notification pushed to the surrounding application.
type Event struct {
	Type       string `json:"type"`
	ExchangeID uint64 `json:"exchangeId,omitempty"`
	Ref        string `json:"ref,omitempty"`
	State      string `json:"state,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

const (
	EventExchangeStarted    = "exchange_started"
	EventExchangeCompleted  = "exchange_completed"
	EventExchangeFailed     = "exchange_failed"
	EventWebSocketFrame     = "websocket_frame"
	EventServerStateChanged = "server_state_changed"
)

// Hub fans events out to WebSocket clients of the control API and to
// in-process channel subscribers. Every path drops rather than blocks:
// each WS client drains a buffered queue from its own goroutine, so a
// stalled monitor never delays connection handling.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader

	lmu       sync.RWMutex
	listeners map[chan Event]struct{}
}

// wsClient owns the write side of one monitor connection. Only its
// writeLoop goroutine touches the conn for writes.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func (c *wsClient) writeLoop() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*wsClient]struct{}),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		listeners: make(map[chan Event]struct{}),
	}
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 256), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go c.writeLoop()
	for {
		// keepalive reads to detect client close
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.done)
	_ = conn.Close()
}

func (h *Hub) Broadcast(ev Event) {
	data, _ := json.Marshal(ev)
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	h.lmu.RLock()
	subs := make([]chan Event, 0, len(h.listeners))
	for ch := range h.listeners {
		subs = append(subs, ch)
	}
	h.lmu.RUnlock()
	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// monitor too far behind, drop
		}
	}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a buffered channel of events. Callers must Unsubscribe.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 256)
	h.lmu.Lock()
	h.listeners[ch] = struct{}{}
	h.lmu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.lmu.Lock()
	if _, ok := h.listeners[ch]; ok {
		delete(h.listeners, ch)
		close(ch)
	}
	h.lmu.Unlock()
}
