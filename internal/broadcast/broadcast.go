// Package broadcast carries registry coordination messages between
// broadcast contexts: registries in the same process, or in different
// processes sharing a Redis server or a RabbitMQ broker.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"

	"pandapi-streams/internal/domain"
)

var ErrTransportClosed = errors.New("transport closed")

type MessageType string

const (
	MessageStreamCreated MessageType = "streamCreated"
	MessageStreamEnded   MessageType = "streamEnded"
	MessageSyncRequest   MessageType = "syncRequest"
	MessageSyncResponse  MessageType = "syncResponse"
)

// Message is the broadcast wire format. Only the field matching Type is set,
// plus WindowID which identifies the sending context.
type Message struct {
	Type     MessageType           `json:"type"`
	Stream   *domain.StreamRecord  `json:"stream,omitempty"`
	StreamID string                `json:"streamId,omitempty"`
	Streams  []domain.StreamRecord `json:"streams,omitempty"`
	WindowID string                `json:"windowId"`
}

// Transport delivers every published message to every subscriber,
// including subscribers owned by the publishing context.
type Transport interface {
	Publish(ctx context.Context, msg *Message) error
	// Subscribe returns a feed that is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan *Message, error)
	Close() error
}

const subscriberBuffer = 100

func encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errors.New("message without type")
	}
	return &msg, nil
}
