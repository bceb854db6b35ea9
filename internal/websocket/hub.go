package websocket

import (
	"context"
	"log/slog"

	"pandapi-streams/internal/observability"
)

// AllStreams is the topic of clients that follow every stream.
const AllStreams = ""

// BroadcastMessage is an encoded event addressed to a stream's topic.
// An empty StreamID reaches every client.
type BroadcastMessage struct {
	StreamID  string
	EventType string
	Message   []byte
}

// Hub maintains active clients and fans events out to them by stream
type Hub struct {
	// Registered clients by stream id, AllStreams included
	clients map[string]map[*Client]bool

	broadcast  chan *BroadcastMessage
	register   chan *Client
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan *BroadcastMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			slog.Info("hub shutting down gracefully")
			return ctx.Err()

		case client := <-h.register:
			if h.clients[client.streamID] == nil {
				h.clients[client.streamID] = make(map[*Client]bool)
			}
			h.clients[client.streamID][client] = true
			observability.WebSocketConnectionsActive.Inc()
			slog.Info("client registered",
				slog.String("wallet_address", client.address),
				slog.String("stream_id", client.streamID))

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func (h *Hub) deliver(message *BroadcastMessage) {
	for topic, clients := range h.clients {
		if message.StreamID != AllStreams && topic != AllStreams && topic != message.StreamID {
			continue
		}
		for client := range clients {
			select {
			case client.send <- message.Message:
				observability.WebSocketMessagesSent.WithLabelValues(message.EventType).Inc()
			default:
				// Slow consumer, drop it
				h.unregisterClient(client)
			}
		}
	}
}

// unregisterClient removes a client and closes its send channel exactly once
func (h *Hub) unregisterClient(client *Client) {
	clients, ok := h.clients[client.streamID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.send)
	observability.WebSocketConnectionsActive.Dec()
	slog.Info("client unregistered",
		slog.String("wallet_address", client.address),
		slog.String("stream_id", client.streamID))

	if len(clients) == 0 {
		delete(h.clients, client.streamID)
	}
}

// shutdown performs graceful cleanup of all connections
func (h *Hub) shutdown() {
	close(h.done)

	for _, clients := range h.clients {
		for client := range clients {
			h.unregisterClient(client)
		}
	}

	slog.Info("hub shutdown complete")
}

// Broadcast queues message for the clients following streamID. It returns
// without delivering once the hub has stopped.
func (h *Hub) Broadcast(streamID, eventType string, message []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{StreamID: streamID, EventType: eventType, Message: message}:
	case <-h.done:
	}
}

// Register registers a client with the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
