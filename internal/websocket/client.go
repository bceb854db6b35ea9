package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pandapi-streams/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // Must be less than pongWait
	maxMessageSize = 4096
	sendBuffer     = 256
)

// ChatSender is the part of the streaming facade a client writes to
type ChatSender interface {
	SendMessage(ctx context.Context, streamID, sender, message, senderAddress string) (domain.ChatMessage, error)
}

type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	streamID  string
	address   string
	chat      ChatSender
	writeMu   sync.Mutex
	closed    atomic.Bool
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// ClientMessage is what a browser may send. Only "chat" is understood.
type ClientMessage struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// ServerMessage reports a problem with a client's own message
type ServerMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// NewClient wraps conn. streamID is AllStreams for a client following
// every stream; such a client cannot post chat.
func NewClient(ctx context.Context, hub *Hub, conn *websocket.Conn, streamID, address string, chat ChatSender) *Client {
	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		streamID:  streamID,
		address:   address,
		chat:      chat,
		ctx:       clientCtx,
		ctxCancel: cancel,
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.ctxCancel()
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("failed to set read deadline",
			slog.String("error", err.Error()),
			slog.String("stream_id", c.streamID))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket error",
					slog.String("error", err.Error()),
					slog.String("stream_id", c.streamID))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply("error", "invalid message format")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg ClientMessage) {
	if msg.Type != "chat" {
		c.reply("error", "unsupported message type")
		return
	}
	if c.streamID == AllStreams {
		c.reply("error", "connect with stream_id to chat")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	// The message itself comes back through the hub as a newMessage event.
	if _, err := c.chat.SendMessage(ctx, c.streamID, msg.Sender, msg.Content, c.address); err != nil {
		slog.Warn("chat message rejected",
			slog.String("error", err.Error()),
			slog.String("stream_id", c.streamID))
		c.reply("error", err.Error())
	}
}

// reply writes straight to this client's connection, bypassing the hub
func (c *Client) reply(typ, text string) {
	data, err := json.Marshal(ServerMessage{Type: typ, Message: text})
	if err != nil {
		return
	}
	if err := c.writeMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("failed to write reply",
			slog.String("error", err.Error()),
			slog.String("stream_id", c.streamID))
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				_ = c.writeMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeMessage writes a message to the WebSocket connection in a thread-safe manner
func (c *Client) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// closeConnection safely closes the WebSocket connection
func (c *Client) closeConnection() {
	if c.closed.CompareAndSwap(false, true) {
		c.writeMu.Lock()
		c.conn.Close()
		c.writeMu.Unlock()
	}
}
