package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

const (
	clientBuffer    = 32
	broadcastBuffer = 256
)

// Event is a run event as sent to SSE and WebSocket clients
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHub fans events out to subscribed clients. Slow clients are dropped
// rather than blocking the run that produced the event.
type EventHub struct {
	clients   map[chan Event]bool
	broadcast chan Event
	logger    *zap.Logger
	mu        sync.Mutex
}

// NewEventHub creates a new hub
func NewEventHub(logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		clients:   make(map[chan Event]bool),
		broadcast: make(chan Event, broadcastBuffer),
		logger:    logger,
	}
}

// Run delivers broadcast events until ctx is cancelled, then closes all clients
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					h.logger.Warn("api: dropping slow event client")
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Subscribe registers a new client
func (h *EventHub) Subscribe() chan Event {
	client := make(chan Event, clientBuffer)
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	return client
}

// Unsubscribe removes a client and closes its channel
func (h *EventHub) Unsubscribe(client chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client)
	}
}

// Clients returns the number of connected clients
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues an event for all clients without blocking
func (h *EventHub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("api: event queue full, dropping event", zap.String("type", event.Type))
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		client := s.hub.Subscribe()
		defer s.hub.Unsubscribe(client)

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-client:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
