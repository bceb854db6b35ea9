package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pandapi-streams/internal/events"
	"pandapi-streams/internal/middleware"
	"pandapi-streams/internal/service"
	"pandapi-streams/internal/testutil"
	ws "pandapi-streams/internal/websocket"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFixture struct {
	server *httptest.Server
	mock   *testutil.MockRegistry
	svc    *service.StreamingService
}

func newWSFixture(t *testing.T, allowedOrigins []string) *wsFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := ws.NewHub()
	go hub.Run(ctx)

	mock := testutil.NewMockRegistry()
	svc := service.NewStreamingService(mock)
	stop := ws.Bridge(svc, hub)
	t.Cleanup(stop)

	h := NewWebSocketHandler(ctx, hub, svc, svc, allowedOrigins)
	server := httptest.NewServer(middleware.Identity(http.HandlerFunc(h.HandleConnection)))
	t.Cleanup(server.Close)

	return &wsFixture{server: server, mock: mock, svc: svc}
}

func (f *wsFixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/streams" + query
}

func TestCreateUpgrader_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", []string{"http://app.test"}, "", true},
		{"allowed", []string{"http://app.test"}, "http://app.test", true},
		{"case insensitive", []string{"http://app.test"}, "HTTP://APP.TEST", true},
		{"wildcard", []string{"*"}, "http://evil.test", true},
		{"rejected", []string{"http://app.test"}, "http://evil.test", false},
		{"nothing allowed", nil, "http://app.test", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := createUpgrader(tt.allowed)
			req := httptest.NewRequest(http.MethodGet, "/ws/streams", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, up.CheckOrigin(req))
		})
	}
}

func TestWebSocketHandler_UnknownStream(t *testing.T) {
	f := newWSFixture(t, []string{"*"})

	_, resp, err := websocket.DefaultDialer.Dial(f.url("?stream_id=stream_missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketHandler_ForbiddenOrigin(t *testing.T) {
	f := newWSFixture(t, []string{"http://app.test"})

	header := http.Header{"Origin": []string{"http://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url(""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestWebSocketHandler_ChatRoundTrip posts chat over the socket and reads
// the newMessage event the registry emits back through the hub. The client
// is registered before its read pump starts, so the echo cannot be missed.
func TestWebSocketHandler_ChatRoundTrip(t *testing.T) {
	f := newWSFixture(t, []string{"*"})
	rec := testutil.NewTestStream()
	f.mock.AddStream(rec)

	header := http.Header{middleware.WalletHeader: []string{"0xalice"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.url("?stream_id="+rec.ID), header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ws.ClientMessage{Type: "chat", Sender: "alice", Content: "gm"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev events.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, events.NewMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, rec.ID, ev.Message.StreamID)
	assert.Equal(t, "gm", ev.Message.Message)
	assert.Equal(t, "0xalice", ev.Message.SenderAddress)
}
