// Package websocket pushes billing events to connected users.
package websocket

import (
	"context"
	"log/slog"

	"github.com/anjiri1684/lesson_billing/notifications"
	"github.com/google/uuid"
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

type Client struct {
	UserID uuid.UUID
	Conn   Conn
}

type message struct {
	userID uuid.UUID
	event  notifications.Event
}

type Hub struct {
	clients    map[uuid.UUID]map[Conn]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan message
	done       chan struct{}
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[uuid.UUID]map[Conn]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan message, 256),
		done:       make(chan struct{}),
		logger:     logger.With("component", "websocket_hub"),
	}
}

// Register and Unregister are no-ops once Run has returned.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish queues the event for the event's user. A full queue drops the event.
func (h *Hub) Publish(ctx context.Context, event notifications.Event) error {
	select {
	case h.broadcast <- message{userID: event.UserID, event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		h.logger.Warn("hub queue full; dropping event", "event", event.Type, "user_id", event.UserID)
		return nil
	}
}

// Run owns the client registry until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for _, conns := range h.clients {
				for conn := range conns {
					conn.Close()
				}
			}
			return
		case client := <-h.register:
			conns, ok := h.clients[client.UserID]
			if !ok {
				conns = make(map[Conn]struct{})
				h.clients[client.UserID] = conns
			}
			conns[client.Conn] = struct{}{}
			h.logger.Debug("client registered", "user_id", client.UserID)
		case client := <-h.unregister:
			if conns, ok := h.clients[client.UserID]; ok {
				delete(conns, client.Conn)
				if len(conns) == 0 {
					delete(h.clients, client.UserID)
				}
			}
			h.logger.Debug("client unregistered", "user_id", client.UserID)
		case msg := <-h.broadcast:
			for conn := range h.clients[msg.userID] {
				if err := conn.WriteJSON(msg.event); err != nil {
					h.logger.Warn("write failed; dropping client", "user_id", msg.userID, "error", err)
					conn.Close()
					delete(h.clients[msg.userID], conn)
				}
			}
			if len(h.clients[msg.userID]) == 0 {
				delete(h.clients, msg.userID)
			}
		}
	}
}
