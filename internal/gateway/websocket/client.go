package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64KB
)

// inboundMessage is what a client may send: a ping or a subscribe
// carrying a session filter.
type inboundMessage struct {
	Type     string   `json:"type"`
	Sessions []string `json:"sessions,omitempty"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// mu guards filter and closed. filter holds the session keys this
	// client wants; empty means all.
	mu     sync.RWMutex
	filter map[string]bool
	closed bool

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		filter: make(map[string]bool),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// wants reports whether the client's filter admits the session.
func (c *Client) wants(sessionKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filter) == 0 {
		return true
	}
	return c.filter[sessionKey]
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("Ignoring malformed client message", zap.Error(err))
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming message.
func (c *Client) handleMessage(ctx context.Context, msg *inboundMessage) {
	switch msg.Type {
	case "ping":
		c.sendJSON(map[string]interface{}{"type": "pong"})

	case "subscribe":
		c.mu.Lock()
		c.filter = make(map[string]bool, len(msg.Sessions))
		for _, key := range msg.Sessions {
			c.filter[key] = true
		}
		c.mu.Unlock()
		c.sendJSON(map[string]interface{}{
			"type":     "subscribed",
			"sessions": msg.Sessions,
		})
		c.hub.replay(ctx, c)

	default:
		c.logger.Debug("Ignoring unknown client message", zap.String("type", msg.Type))
	}
}

// sendConnected tells a freshly registered client it is in.
func (c *Client) sendConnected(clients int) {
	c.sendJSON(map[string]interface{}{
		"type":    "connected",
		"clients": clients,
	})
}

// sendJSON queues one JSON message for the client.
func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Warn("Client send buffer full")
	}
}

// trySend queues one raw message without blocking. It reports false when
// the client is closed or the buffer is full.
func (c *Client) trySend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once; later sends are dropped.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
