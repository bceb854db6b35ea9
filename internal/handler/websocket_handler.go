package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"pandapi-streams/internal/domain"
	"pandapi-streams/internal/observability"
	ws "pandapi-streams/internal/websocket"

	"github.com/gorilla/websocket"
)

// StreamLookup resolves a stream id before a client binds to it
type StreamLookup interface {
	GetStream(ctx context.Context, id string) (*domain.StreamRecord, error)
}

// WebSocketHandler upgrades event-feed connections
type WebSocketHandler struct {
	ctx      context.Context
	hub      *ws.Hub
	chat     ws.ChatSender
	streams  StreamLookup
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler. Clients live until
// ctx is done or their connection drops.
func NewWebSocketHandler(ctx context.Context, hub *ws.Hub, chat ws.ChatSender, streams StreamLookup, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		ctx:      ctx,
		hub:      hub,
		chat:     chat,
		streams:  streams,
		upgrader: createUpgrader(allowedOrigins),
	}
}

// createUpgrader accepts requests without an Origin header (non-browser
// clients) and browsers whose origin is allowed.
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// HandleConnection binds the client to ?stream_id= when given, otherwise to
// every stream.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("stream_id")
	if streamID != ws.AllStreams {
		if _, err := h.streams.GetStream(r.Context(), streamID); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := ws.NewClient(h.ctx, h.hub, conn, streamID, observability.WalletAddress(r.Context()), h.chat)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
