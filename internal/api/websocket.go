package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType labels WebSocket messages.
type MessageType string

const (
	MsgTypeCompletion MessageType = "optimization_complete"
	MsgTypeHeartbeat  MessageType = "heartbeat"
)

// WSMessage is the wire envelope for hub messages.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is one WebSocket connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewClient wraps a connection for the hub.
func NewClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 64),
	}
}

// Hub fans completion events out to every connected client.
type Hub struct {
	logger     *zap.Logger
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates an idle hub; call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run processes registrations and broadcasts until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("websocket client unregistered", zap.String("id", client.id))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than blocking the hub.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.send(MsgTypeHeartbeat, nil)
		}
	}
}

// BroadcastCompletion fans a completion event out to every client.
func (h *Hub) BroadcastCompletion(event types.CompletionEvent) {
	h.send(MsgTypeCompletion, event)
}

func (h *Hub) send(msgType MessageType, data any) {
	var payload json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			h.logger.Error("broadcast payload encoding failed", zap.Error(err))
			return
		}
		payload = encoded
	}

	message, err := json.Marshal(WSMessage{
		Type:      msgType,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("broadcast envelope encoding failed", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ReadPump consumes client frames until the connection drops. Inbound
// payloads are ignored; the stream is one-way.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.String("id", c.id), zap.Error(err))
			}
			return
		}
	}
}

// WritePump forwards hub messages to the connection with keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
