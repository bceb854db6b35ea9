package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pandapi-streams/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentChat struct {
	streamID, sender, message, address string
}

type fakeChat struct {
	mu   sync.Mutex
	sent []sentChat
	err  error
}

func (f *fakeChat) SendMessage(ctx context.Context, streamID, sender, message, senderAddress string) (domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.ChatMessage{}, f.err
	}
	f.sent = append(f.sent, sentChat{streamID, sender, message, senderAddress})
	return domain.ChatMessage{StreamID: streamID, Sender: sender, Message: message}, nil
}

func (f *fakeChat) calls() []sentChat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentChat(nil), f.sent...)
}

// serveClient runs a hub and a test server whose connections become clients
// bound to streamID with the given wallet address.
func serveClient(t *testing.T, streamID, address string, chat ChatSender) (*Hub, *websocket.Conn) {
	t.Helper()
	hub, _ := startHub(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(context.Background(), hub, conn, streamID, address, chat)
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestClient_ChatGoesToFacade(t *testing.T) {
	chat := &fakeChat{}
	_, conn := serveClient(t, "stream_1", "0xabc", chat)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "chat", Sender: "alice", Content: "gm"}))

	assert.Eventually(t, func() bool { return len(chat.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, sentChat{"stream_1", "alice", "gm", "0xabc"}, chat.calls()[0])
}

func TestClient_ReceivesHubBroadcast(t *testing.T) {
	hub, conn := serveClient(t, "stream_1", "", &fakeChat{})

	// The server registers asynchronously; keep broadcasting until one lands.
	got := make(chan map[string]any, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var out map[string]any
		if json.Unmarshal(data, &out) == nil {
			got <- out
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		hub.Broadcast("stream_1", "streamUpdated", []byte(`{"type":"streamUpdated"}`))
		select {
		case msg := <-got:
			assert.Equal(t, "streamUpdated", msg["type"])
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no broadcast received")
		}
	}
}

func TestClient_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		streamID string
		chatErr  error
		payload  string
		wantMsg  string
	}{
		{"bad json", "stream_1", nil, "{not json", "invalid message format"},
		{"unknown type", "stream_1", nil, `{"type":"dance"}`, "unsupported message type"},
		{"unbound client", AllStreams, nil, `{"type":"chat","sender":"a","content":"b"}`, "connect with stream_id"},
		{"facade error", "stream_1", fmt.Errorf("%w: message is required", domain.ErrInvalidInput), `{"type":"chat","sender":"a","content":""}`, "message is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, conn := serveClient(t, tt.streamID, "", &fakeChat{err: tt.chatErr})

			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)))

			reply := readJSON(t, conn)
			assert.Equal(t, "error", reply["type"])
			assert.Contains(t, reply["message"], tt.wantMsg)
		})
	}
}
