package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// Event is one capture lifecycle entry on the websocket feed. Flash
// events ride the same feed with their own shape; consumers switch on
// the kind field, which both carry.
type Event struct {
	Kind        string `json:"kind"`
	Correlation string `json:"correlation_id,omitempty"`
	Op          string `json:"op,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Engine      string `json:"engine,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Hub fans capture lifecycle and flash events out to websocket
// subscribers.
type Hub struct {
	mu        sync.RWMutex
	listeners []chan interface{}
	closed    bool
	upgrader  websocket.Upgrader
	log       *zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log: logger.WithComponent("events"),
	}
}

// Publish delivers an event to every subscriber. Slow subscribers skip
// events rather than stall the publisher.
func (h *Hub) Publish(event interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, listener := range h.listeners {
		select {
		case listener <- event:
		default:
			// Skip if channel is full
		}
	}
}

// Subscribe registers a listener channel.
func (h *Hub) Subscribe() chan interface{} {
	ch := make(chan interface{}, 10)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.listeners = append(h.listeners, ch)
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(ch chan interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, listener := range h.listeners {
		if listener == ch {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// close ends every subscription; the websocket handlers drain and return.
func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, listener := range h.listeners {
		close(listener)
	}
	h.listeners = nil
}

func (h *Hub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := h.Subscribe()
	defer h.Unsubscribe(events)

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			h.log.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}
