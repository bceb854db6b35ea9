// Package events is the typed publish/subscribe hub a registry uses to
// notify its own listeners.
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"pandapi-streams/internal/domain"
	"pandapi-streams/internal/observability"
)

type EventType string

const (
	StreamCreated  EventType = "streamCreated"
	StreamUpdated  EventType = "streamUpdated"
	StreamEnded    EventType = "streamEnded"
	StreamsUpdated EventType = "streamsUpdated"
	NewMessage     EventType = "newMessage"
	ViewerJoined   EventType = "viewerJoined"
	ViewerLeft     EventType = "viewerLeft"
)

// Types lists every event kind, in a stable order.
var Types = []EventType{
	StreamCreated, StreamUpdated, StreamEnded, StreamsUpdated,
	NewMessage, ViewerJoined, ViewerLeft,
}

// Viewer identifies who joined or left a stream.
type Viewer struct {
	StreamID string `json:"streamId"`
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
}

// Event is delivered to listeners. Which payload field is set depends on
// Type:
//
//	streamCreated, streamUpdated   Stream
//	streamEnded                    StreamID
//	streamsUpdated                 Streams
//	newMessage                     Message
//	viewerJoined, viewerLeft       Viewer
//
// streamsUpdated also carries Seq, which grows with every new active set of
// one registry. Passes running on different goroutines may still deliver
// out of order, so a listener that keeps the latest set ignores a Seq at or
// below one it already handled.
type Event struct {
	Type     EventType             `json:"type"`
	Stream   *domain.StreamRecord  `json:"stream,omitempty"`
	Streams  []domain.StreamRecord `json:"streams,omitempty"`
	StreamID string                `json:"streamId,omitempty"`
	Message  *domain.ChatMessage   `json:"message,omitempty"`
	Viewer   *Viewer               `json:"viewer,omitempty"`
	Seq      uint64                `json:"seq,omitempty"`
}

type Listener func(Event)

// Subscription identifies a registered listener for Off.
type Subscription struct {
	Type EventType
	id   uint64
}

type entry struct {
	id uint64
	fn Listener
}

// Emitter keeps listeners per event type. Zero value is ready to use.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]entry
	nextID    uint64
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// On registers fn for t and returns a handle that removes it.
func (e *Emitter) On(t EventType, fn Listener) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[EventType][]entry)
	}
	e.nextID++
	e.listeners[t] = append(e.listeners[t], entry{id: e.nextID, fn: fn})
	return Subscription{Type: t, id: e.nextID}
}

// Off removes a listener. Unknown subscriptions are ignored.
func (e *Emitter) Off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.listeners[sub.Type]
	for i, l := range list {
		if l.id == sub.id {
			e.listeners[sub.Type] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Count returns how many listeners are registered for t.
func (e *Emitter) Count(t EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[t])
}

// Emit calls every listener of ev.Type synchronously, in registration
// order. Listeners may register or remove listeners while being called;
// such changes apply from the next Emit.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	list := e.listeners[ev.Type]
	snapshot := make([]entry, len(list))
	copy(snapshot, list)
	e.mu.RUnlock()

	for _, l := range snapshot {
		deliver(ev, l.fn)
	}
}

func deliver(ev Event, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			observability.ListenerPanics.WithLabelValues(string(ev.Type)).Inc()
			slog.Error("event listener panicked",
				slog.String("event", string(ev.Type)),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(ev)
}
