package websocket

import (
	"context"
	"log/slog"
	"sync"

	"tunedrop/types"
)

// AllJobs subscribes a client to every job of its requester
const AllJobs = "all"

// Hub fans job updates out to subscribed WebSocket clients
type Hub interface {
	Run(ctx context.Context)
	Publish(msg types.ProgressMessage)
	RegisterClient(client *Client)
	UnregisterClient(client *Client)
	ClientCount() int
}

// hub keeps clients keyed by subscription (job ID or AllJobs)
type hub struct {
	clients map[string]map[*Client]bool

	broadcast  chan types.ProgressMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger *slog.Logger
	mu     sync.Mutex
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan types.ProgressMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop; it closes every client when ctx ends
func (h *hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for key, clients := range h.clients {
				for client := range clients {
					close(client.send)
				}
				delete(h.clients, key)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.subscription] == nil {
				h.clients[client.subscription] = make(map[*Client]bool)
			}
			h.clients[client.subscription][client] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "subscription", client.subscription, "requester_id", client.requesterID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "subscription", client.subscription, "requester_id", client.requesterID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			h.deliverLocked(msg.JobID, msg, false)
			h.deliverLocked(AllJobs, msg, true)
			h.mu.Unlock()
		}
	}
}

// deliverLocked sends msg to one subscription; slow clients are dropped
func (h *hub) deliverLocked(key string, msg types.ProgressMessage, ownOnly bool) {
	for client := range h.clients[key] {
		if ownOnly && client.requesterID != msg.RequesterID {
			continue
		}
		select {
		case client.send <- msg:
		default:
			h.logger.Warn("websocket client too slow, disconnecting", "subscription", key)
			h.removeLocked(client)
		}
	}
}

func (h *hub) removeLocked(client *Client) {
	clients, ok := h.clients[client.subscription]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.clients, client.subscription)
	}
}

// Publish queues msg for delivery without blocking the caller
func (h *hub) Publish(msg types.ProgressMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping message", "job_id", msg.JobID)
	}
}

func (h *hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

func (h *hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}
