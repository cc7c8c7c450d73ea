// Package websocket provides the push channel: every published event is
// fanned out to connected clients, optionally filtered per client to a
// set of session keys.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/eventlog"
	"github.com/zoid/zoid/internal/events"
	"github.com/zoid/zoid/internal/events/bus"
)

// Hub manages all WebSocket client connections.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for broadcasting events
	broadcast chan *events.Event

	// Replay source for new subscriptions
	log *eventlog.Log

	sub bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub. log may be nil to disable replay.
func NewHub(log *eventlog.Log, logg *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *events.Event, 256),
		log:        log,
		logger:     logg.WithFields(zap.String("component", "ws_hub")),
	}
}

// Attach subscribes the hub to the session event stream.
func (h *Hub) Attach(b bus.Bus) error {
	sub, err := b.Subscribe(events.SubjectEventsWildcard, func(_ context.Context, ev *events.Event) error {
		select {
		case h.broadcast <- ev:
		default:
			// Broadcast queue full; push is lossy by design, the durable
			// log keeps the record.
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			if h.sub != nil {
				_ = h.sub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			client.sendConnected(count)
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case ev := <-h.broadcast:
			h.broadcastEvent(ev)
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
}

// removeClient removes a client from the hub.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.close()
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastEvent sends an event to every client whose filter matches.
func (h *Hub) broadcastEvent(ev *events.Event) {
	data, err := json.Marshal(pushEnvelope(ev))
	if err != nil {
		h.logger.Error("Failed to marshal broadcast event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(ev.SessionKey) {
			continue
		}
		// A full buffer or a closed client drops the message; the durable
		// log keeps the record.
		client.trySend(data)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// replay sends the retained event log to one client, oldest first,
// honoring its session filter.
func (h *Hub) replay(ctx context.Context, client *Client) {
	if h.log == nil {
		return
	}
	recent, err := h.log.Recent(ctx, 0)
	if err != nil {
		h.logger.Warn("event replay failed", zap.Error(err))
		return
	}
	for i := len(recent) - 1; i >= 0; i-- {
		ev := recent[i]
		if !client.wants(ev.SessionKey) {
			continue
		}
		data, err := json.Marshal(pushEnvelope(ev))
		if err != nil {
			continue
		}
		if !client.trySend(data) {
			return
		}
	}
}

// pushEnvelope wraps an event for the wire.
func pushEnvelope(ev *events.Event) map[string]interface{} {
	return map[string]interface{}{
		"type":  "event",
		"event": ev,
	}
}
