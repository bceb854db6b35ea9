package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"pandapi-streams/internal/events"
)

// EventSource is anything that hands out registry events
type EventSource interface {
	Subscribe(t events.EventType, fn events.Listener) events.Subscription
	Unsubscribe(sub events.Subscription)
}

// Bridge forwards every event type from src to the hub as JSON and returns
// a function that detaches it.
// Active-set snapshots older than one already forwarded are dropped.
func Bridge(src EventSource, hub *Hub) (stop func()) {
	var (
		mu      sync.Mutex
		lastSeq uint64
	)
	forward := func(ev events.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("failed to encode event",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()))
			return
		}
		hub.Broadcast(topicOf(ev), string(ev.Type), data)
	}

	subs := make([]events.Subscription, 0, len(events.Types))
	for _, t := range events.Types {
		if t != events.StreamsUpdated {
			subs = append(subs, src.Subscribe(t, forward))
			continue
		}
		subs = append(subs, src.Subscribe(t, func(ev events.Event) {
			mu.Lock()
			defer mu.Unlock()
			if ev.Seq != 0 && ev.Seq <= lastSeq {
				return
			}
			lastSeq = ev.Seq
			forward(ev)
		}))
	}

	return func() {
		for _, sub := range subs {
			src.Unsubscribe(sub)
		}
	}
}

// topicOf picks the stream an event belongs to, or AllStreams.
func topicOf(ev events.Event) string {
	switch {
	case ev.StreamID != "":
		return ev.StreamID
	case ev.Stream != nil:
		return ev.Stream.ID
	case ev.Message != nil:
		return ev.Message.StreamID
	case ev.Viewer != nil:
		return ev.Viewer.StreamID
	}
	return AllStreams
}
