package registry

import (
	"context"
	"log/slog"
	"time"

	"pandapi-streams/internal/broadcast"
	"pandapi-streams/internal/domain"
	"pandapi-streams/internal/events"
	"pandapi-streams/internal/observability"
	"pandapi-streams/internal/storage"
)

// Run drives reconciliation until ctx is done: on every tick, on Refresh,
// shortly after local creates and ends, on store changes under the prefix,
// and on broadcast messages from other contexts. It posts a syncRequest once
// after startup so a context with an isolated store can bootstrap.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.syncInterval)
	defer ticker.Stop()

	resync := time.NewTimer(r.resyncDelay)
	resync.Stop()
	defer resync.Stop()

	syncRequest := time.NewTimer(r.syncRequestDelay)
	defer syncRequest.Stop()

	changes := r.watchStore(ctx)
	messages := r.subscribe(ctx)

	slog.Info("stream registry started",
		slog.String("window_id", r.windowID),
		slog.Duration("sync_interval", r.syncInterval))

	r.runReconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stream registry stopped", slog.String("window_id", r.windowID))
			return nil

		case <-ticker.C:
			r.runReconcile(ctx)

		case <-r.refreshCh:
			r.runReconcile(ctx)

		case <-r.scheduleCh:
			resync.Reset(r.resyncDelay)

		case <-resync.C:
			r.runReconcile(ctx)

		case <-syncRequest.C:
			r.publish(ctx, &broadcast.Message{Type: broadcast.MessageSyncRequest})

		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if r.keys.owns(c.Key) {
				r.runReconcile(ctx)
			}

		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() == nil {
					slog.Warn("broadcast subscription closed, continuing without cross-context delivery",
						slog.String("window_id", r.windowID))
				}
				messages = nil
				continue
			}
			r.handleBroadcast(ctx, msg)
		}
	}
}

func (r *Registry) runReconcile(ctx context.Context) {
	if _, err := r.reconcile(ctx); err != nil && ctx.Err() == nil {
		slog.Error("reconciliation failed",
			slog.String("window_id", r.windowID),
			slog.String("error", err.Error()))
	}
}

// watchStore returns the store's change feed, or nil when the store cannot
// report changes.
func (r *Registry) watchStore(ctx context.Context) <-chan storage.Change {
	w, ok := r.store.(storage.Watcher)
	if !ok {
		return nil
	}
	changes, err := w.Watch(ctx)
	if err != nil {
		slog.Warn("store change feed unavailable",
			slog.String("error", err.Error()))
		return nil
	}
	return changes
}

// subscribe returns the broadcast feed, or nil when there is no usable
// transport. Either way the registry keeps working with its own store.
func (r *Registry) subscribe(ctx context.Context) <-chan *broadcast.Message {
	if r.transport == nil {
		slog.Warn("no broadcast transport configured, cross-context delivery disabled")
		return nil
	}
	messages, err := r.transport.Subscribe(ctx)
	if err != nil {
		slog.Warn("broadcast transport unavailable, cross-context delivery disabled",
			slog.String("error", err.Error()))
		return nil
	}
	return messages
}

// publish tags msg with this context's window id. Failures are logged only.
func (r *Registry) publish(ctx context.Context, msg *broadcast.Message) {
	if r.transport == nil {
		return
	}
	msg.WindowID = r.windowID
	if err := r.transport.Publish(ctx, msg); err != nil {
		slog.Warn("failed to publish broadcast message",
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()))
		return
	}
	observability.BroadcastMessages.WithLabelValues("out", string(msg.Type)).Inc()
}

// handleBroadcast applies a foreign message. Messages carrying our own
// window id are echoes and are ignored.
func (r *Registry) handleBroadcast(ctx context.Context, msg *broadcast.Message) {
	if msg == nil || msg.WindowID == r.windowID {
		return
	}
	observability.BroadcastMessages.WithLabelValues("in", string(msg.Type)).Inc()

	switch msg.Type {
	case broadcast.MessageStreamCreated:
		if msg.Stream == nil || msg.Stream.ID == "" {
			return
		}
		rec := msg.Stream.Clone()

		r.mu.Lock()
		err := r.persist(ctx, rec)
		r.mu.Unlock()
		if err != nil {
			slog.Error("failed to store broadcast stream",
				slog.String("stream_id", rec.ID),
				slog.String("error", err.Error()))
			return
		}
		r.emitter.Emit(events.Event{Type: events.StreamCreated, Stream: &rec})
		r.runReconcile(ctx)

	case broadcast.MessageStreamEnded:
		if msg.StreamID == "" {
			return
		}
		r.mu.Lock()
		err := r.remove(ctx, msg.StreamID)
		r.mu.Unlock()
		if err != nil {
			slog.Error("failed to remove broadcast stream",
				slog.String("stream_id", msg.StreamID),
				slog.String("error", err.Error()))
			return
		}
		r.emitter.Emit(events.Event{Type: events.StreamEnded, StreamID: msg.StreamID})
		r.runReconcile(ctx)

	case broadcast.MessageSyncRequest:
		active, err := r.reconcile(ctx)
		if err != nil || len(active) == 0 {
			return
		}
		r.publish(ctx, &broadcast.Message{Type: broadcast.MessageSyncResponse, Streams: active})

	case broadcast.MessageSyncResponse:
		if n := r.adopt(ctx, msg.Streams); n > 0 {
			slog.Info("adopted streams from sync response",
				slog.Int("count", n),
				slog.String("from_window", msg.WindowID))
		}
		r.runReconcile(ctx)
	}
}

// adopt stores every active stream we do not already hold and reports how
// many were added.
func (r *Registry) adopt(ctx context.Context, streams []domain.StreamRecord) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	added := 0
	for _, rec := range streams {
		if rec.ID == "" || !rec.IsActive(now, r.maxAge) {
			continue
		}
		_, known, err := r.load(ctx, rec.ID)
		if err != nil || known {
			continue
		}
		if err := r.persist(ctx, rec.Clone()); err != nil {
			slog.Error("failed to adopt stream",
				slog.String("stream_id", rec.ID),
				slog.String("error", err.Error()))
			continue
		}
		added++
	}
	return added
}
