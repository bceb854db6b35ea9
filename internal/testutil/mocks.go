// Package testutil provides shared test utilities, mocks, and fixtures
// for testing the stream registry service.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pandapi-streams/internal/broadcast"
	"pandapi-streams/internal/domain"
	"pandapi-streams/internal/events"
	"pandapi-streams/internal/storage"
)

// Common test errors
var (
	ErrMockNotImplemented = errors.New("mock function not implemented")
	ErrMockUnavailable    = errors.New("mock: backend unavailable")
)

// MockRegistry implements service.StreamRegistry for testing
type MockRegistry struct {
	mu sync.RWMutex

	// Function overrides - set these to customize behavior
	CreateStreamFunc        func(ctx context.Context, in domain.StreamInput) (string, error)
	UpdateStreamFunc        func(ctx context.Context, id string, patch domain.StreamPatch) (domain.StreamRecord, error)
	EndStreamFunc           func(ctx context.Context, id string) error
	GetAllActiveStreamsFunc func(ctx context.Context) ([]domain.StreamRecord, error)
	SendMessageFunc         func(ctx context.Context, streamID, sender, message, senderAddress string) (domain.ChatMessage, error)
	JoinStreamFunc          func(ctx context.Context, streamID, viewer, address string) error

	// In-memory state for simple tests
	Streams  map[string]domain.StreamRecord
	Messages map[string][]domain.ChatMessage
	Emitter  *events.Emitter
}

// NewMockRegistry creates a MockRegistry with initialized maps
func NewMockRegistry() *MockRegistry {
	return &MockRegistry{
		Streams:  make(map[string]domain.StreamRecord),
		Messages: make(map[string][]domain.ChatMessage),
		Emitter:  events.NewEmitter(),
	}
}

// AddStream seeds a stream directly
func (m *MockRegistry) AddStream(rec domain.StreamRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Streams[rec.ID] = rec
}

func (m *MockRegistry) CreateStream(ctx context.Context, in domain.StreamInput) (string, error) {
	if m.CreateStreamFunc != nil {
		return m.CreateStreamFunc(ctx, in)
	}
	m.mu.Lock()
	rec := domain.StreamRecord{
		ID:              nextID("stream"),
		Title:           in.Title,
		Category:        in.Category,
		Topic:           in.Topic,
		StreamerAddress: in.StreamerAddress,
		IsLive:          in.IsLive,
		StartTime:       in.StartTime,
		Moderators:      in.Moderators,
		LastUpdate:      time.Now().UnixMilli(),
	}
	m.Streams[rec.ID] = rec
	m.mu.Unlock()

	m.Emitter.Emit(events.Event{Type: events.StreamCreated, Stream: &rec})
	return rec.ID, nil
}

func (m *MockRegistry) UpdateStream(ctx context.Context, id string, patch domain.StreamPatch) (domain.StreamRecord, error) {
	if m.UpdateStreamFunc != nil {
		return m.UpdateStreamFunc(ctx, id, patch)
	}
	m.mu.Lock()
	rec, ok := m.Streams[id]
	if !ok {
		m.mu.Unlock()
		return domain.StreamRecord{}, domain.ErrStreamNotFound
	}
	patch.Apply(&rec)
	m.Streams[id] = rec
	m.mu.Unlock()

	snapshot := rec
	m.Emitter.Emit(events.Event{Type: events.StreamUpdated, Stream: &snapshot})
	return rec, nil
}

func (m *MockRegistry) EndStream(ctx context.Context, id string) error {
	if m.EndStreamFunc != nil {
		return m.EndStreamFunc(ctx, id)
	}
	m.mu.Lock()
	delete(m.Streams, id)
	delete(m.Messages, id)
	m.mu.Unlock()

	m.Emitter.Emit(events.Event{Type: events.StreamEnded, StreamID: id})
	return nil
}

func (m *MockRegistry) GetAllActiveStreams(ctx context.Context) ([]domain.StreamRecord, error) {
	if m.GetAllActiveStreamsFunc != nil {
		return m.GetAllActiveStreamsFunc(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.StreamRecord, 0, len(m.Streams))
	for _, rec := range m.Streams {
		if rec.IsLive {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockRegistry) GetStream(ctx context.Context, id string) (*domain.StreamRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.Streams[id]
	if !ok || !rec.IsLive {
		return nil, domain.ErrStreamNotFound
	}
	return &rec, nil
}

func (m *MockRegistry) SendMessage(ctx context.Context, streamID, sender, message, senderAddress string) (domain.ChatMessage, error) {
	if m.SendMessageFunc != nil {
		return m.SendMessageFunc(ctx, streamID, sender, message, senderAddress)
	}
	msg := domain.ChatMessage{
		ID:            nextID("msg"),
		StreamID:      streamID,
		Sender:        sender,
		SenderAddress: senderAddress,
		Message:       message,
		Timestamp:     time.Now().UnixMilli(),
		Type:          domain.MessageTypeMessage,
	}
	m.mu.Lock()
	m.Messages[streamID] = append(m.Messages[streamID], msg)
	m.mu.Unlock()

	m.Emitter.Emit(events.Event{Type: events.NewMessage, StreamID: streamID, Message: &msg})
	return msg, nil
}

func (m *MockRegistry) GetChatMessages(ctx context.Context, streamID string) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ChatMessage, len(m.Messages[streamID]))
	copy(out, m.Messages[streamID])
	return out, nil
}

func (m *MockRegistry) JoinStream(ctx context.Context, streamID, viewer, address string) error {
	if m.JoinStreamFunc != nil {
		return m.JoinStreamFunc(ctx, streamID, viewer, address)
	}
	return m.adjustViewers(streamID, viewer, address, 1)
}

func (m *MockRegistry) LeaveStream(ctx context.Context, streamID, viewer string) error {
	return m.adjustViewers(streamID, viewer, "", -1)
}

func (m *MockRegistry) adjustViewers(streamID, viewer, address string, delta int) error {
	m.mu.Lock()
	rec, ok := m.Streams[streamID]
	if !ok || !rec.IsLive {
		m.mu.Unlock()
		return domain.ErrStreamNotFound
	}
	rec.ViewerCount = max(rec.ViewerCount+delta, 0)
	m.Streams[streamID] = rec
	m.mu.Unlock()

	evType := events.ViewerJoined
	if delta < 0 {
		evType = events.ViewerLeft
	}
	m.Emitter.Emit(events.Event{
		Type:     evType,
		StreamID: streamID,
		Viewer:   &events.Viewer{StreamID: streamID, Name: viewer, Address: address},
	})
	return nil
}

func (m *MockRegistry) On(t events.EventType, fn events.Listener) events.Subscription {
	return m.Emitter.On(t, fn)
}

func (m *MockRegistry) Off(sub events.Subscription) {
	m.Emitter.Off(sub)
}

// MockStore implements storage.Store for testing
type MockStore struct {
	mu sync.RWMutex

	// Function overrides
	GetFunc  func(ctx context.Context, key string) ([]byte, error)
	SetFunc  func(ctx context.Context, key string, value []byte) error
	PingFunc func(ctx context.Context) error

	// In-memory storage
	Data map[string][]byte
}

// NewMockStore creates a new MockStore with initialized maps
func NewMockStore() *MockStore {
	return &MockStore{Data: make(map[string][]byte)}
}

func (m *MockStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.Data[key]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return val, nil
}

func (m *MockStore) Set(ctx context.Context, key string, value []byte) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Data[key] = value
	return nil
}

func (m *MockStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Data, key)
	return nil
}

func (m *MockStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for k := range m.Data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MockStore) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// MockTransport implements broadcast.Transport and records published messages
type MockTransport struct {
	mu sync.Mutex

	PublishFunc   func(ctx context.Context, msg *broadcast.Message) error
	SubscribeFunc func(ctx context.Context) (<-chan *broadcast.Message, error)

	Published []*broadcast.Message
	Closed    bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Publish(ctx context.Context, msg *broadcast.Message) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return broadcast.ErrTransportClosed
	}
	m.Published = append(m.Published, msg)
	return nil
}

func (m *MockTransport) Subscribe(ctx context.Context) (<-chan *broadcast.Message, error) {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(ctx)
	}
	return nil, fmt.Errorf("subscribe: %w", ErrMockNotImplemented)
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// IsClosed reports whether Close was called
func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// PublishedTypes lists the types of every published message, in order
func (m *MockTransport) PublishedTypes() []broadcast.MessageType {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]broadcast.MessageType, len(m.Published))
	for i, msg := range m.Published {
		out[i] = msg.Type
	}
	return out
}
