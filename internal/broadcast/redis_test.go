package broadcast

import (
	"context"
	"testing"

	"pandapi-streams/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := NewRedisTransport(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "pandapi")
	subscriber := NewRedisTransport(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "pandapi")

	ch, err := subscriber.Subscribe(ctx)
	require.NoError(t, err)

	// Malformed payloads are skipped.
	mr.Publish("pandapi:broadcast", "garbage")

	require.NoError(t, publisher.Publish(ctx, &Message{
		Type:     MessageSyncResponse,
		Streams:  []domain.StreamRecord{{ID: "stream_1", IsLive: true}},
		WindowID: "w1",
	}))

	msg := receive(t, ch)
	assert.Equal(t, MessageSyncResponse, msg.Type)
	require.Len(t, msg.Streams, 1)
	assert.Equal(t, "stream_1", msg.Streams[0].ID)
	assert.Equal(t, "w1", msg.WindowID)
}

func TestRedisTransport_ChannelName(t *testing.T) {
	tr := NewRedisTransport(redis.NewClient(&redis.Options{}), "custom")
	assert.Equal(t, "custom:broadcast", tr.channel)
}
