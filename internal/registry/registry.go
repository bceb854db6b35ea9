// Package registry keeps an eventually consistent view of every live stream
// and its chat transcript on top of a shared key-value store. Each Registry
// is one broadcast context; contexts coordinate only through the store and a
// broadcast transport.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"pandapi-streams/internal/broadcast"
	"pandapi-streams/internal/domain"
	"pandapi-streams/internal/events"
	"pandapi-streams/internal/observability"
	"pandapi-streams/internal/storage"

	"github.com/google/uuid"
)

const (
	DefaultSyncInterval     = 500 * time.Millisecond
	DefaultResyncDelay      = 50 * time.Millisecond
	DefaultSyncRequestDelay = time.Second
)

type Option func(*Registry)

func WithPrefix(prefix string) Option {
	return func(r *Registry) { r.keys = keyspace{prefix: prefix} }
}

func WithSyncInterval(d time.Duration) Option {
	return func(r *Registry) { r.syncInterval = d }
}

func WithMaxAge(d time.Duration) Option {
	return func(r *Registry) { r.maxAge = d }
}

func WithChatHistoryLimit(n int) Option {
	return func(r *Registry) { r.chatLimit = n }
}

func WithResyncDelay(d time.Duration) Option {
	return func(r *Registry) { r.resyncDelay = d }
}

func WithSyncRequestDelay(d time.Duration) Option {
	return func(r *Registry) { r.syncRequestDelay = d }
}

func WithWindowID(id string) Option {
	return func(r *Registry) { r.windowID = id }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is safe for concurrent use. Read-modify-write sequences against
// the store are serialized per Registry; nothing serializes them across
// registries, so concurrent writers from different contexts follow
// last-write-wins and the next reconciliation pass repairs the index.
type Registry struct {
	store     storage.Store
	transport broadcast.Transport
	emitter   *events.Emitter
	keys      keyspace

	windowID         string
	syncInterval     time.Duration
	resyncDelay      time.Duration
	syncRequestDelay time.Duration
	maxAge           time.Duration
	chatLimit        int
	now              func() time.Time

	mu         sync.Mutex
	lastActive string
	// snapshotSeq numbers active-set changes under mu; emittedSeq is the
	// newest one handed to listeners.
	snapshotSeq uint64
	emitMu      sync.Mutex
	emittedSeq  uint64

	refreshCh  chan struct{}
	scheduleCh chan struct{}
}

// New creates a registry. transport may be nil, in which case the registry
// only sees changes made through its own store.
func New(store storage.Store, transport broadcast.Transport, opts ...Option) *Registry {
	r := &Registry{
		store:            store,
		transport:        transport,
		emitter:          events.NewEmitter(),
		keys:             keyspace{prefix: DefaultPrefix},
		windowID:         uuid.NewString(),
		syncInterval:     DefaultSyncInterval,
		resyncDelay:      DefaultResyncDelay,
		syncRequestDelay: DefaultSyncRequestDelay,
		maxAge:           domain.DefaultMaxAge,
		chatLimit:        domain.DefaultChatHistoryLimit,
		now:              time.Now,
		refreshCh:        make(chan struct{}, 1),
		scheduleCh:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WindowID identifies this registry on the broadcast transport.
func (r *Registry) WindowID() string {
	return r.windowID
}

func (r *Registry) On(t events.EventType, fn events.Listener) events.Subscription {
	return r.emitter.On(t, fn)
}

func (r *Registry) Off(sub events.Subscription) {
	r.emitter.Off(sub)
}

// CreateStream persists a new stream and announces it. A zero StartTime
// means now. The returned id only
// acknowledges the local write; other contexts learn about it asynchronously.
func (r *Registry) CreateStream(ctx context.Context, in domain.StreamInput) (string, error) {
	now := r.now()
	if in.StartTime == 0 {
		in.StartTime = now.UnixMilli()
	}
	rec := domain.StreamRecord{
		ID:              newStreamID(now),
		Title:           in.Title,
		Category:        in.Category,
		Topic:           in.Topic,
		StreamerAddress: in.StreamerAddress,
		IsLive:          in.IsLive,
		ViewerCount:     0,
		StartTime:       in.StartTime,
		Moderators:      append([]string{}, in.Moderators...),
		LastUpdate:      now.UnixMilli(),
	}

	r.mu.Lock()
	err := r.persist(ctx, rec)
	r.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to create stream: %w", err)
	}

	slog.Info("stream created",
		slog.String("stream_id", rec.ID),
		slog.String("window_id", r.windowID))

	snapshot := rec.Clone()
	r.emitter.Emit(events.Event{Type: events.StreamCreated, Stream: &snapshot})

	published := rec.Clone()
	r.publish(ctx, &broadcast.Message{Type: broadcast.MessageStreamCreated, Stream: &published})

	r.Refresh()
	r.scheduleResync()
	return rec.ID, nil
}

// UpdateStream merges patch into the stored record and returns the result,
// even when the patch takes the stream offline. It never creates a record.
func (r *Registry) UpdateStream(ctx context.Context, id string, patch domain.StreamPatch) (domain.StreamRecord, error) {
	r.mu.Lock()
	rec, err := r.update(ctx, id, func(rec *domain.StreamRecord) { patch.Apply(rec) })
	r.mu.Unlock()
	if err != nil {
		return domain.StreamRecord{}, err
	}

	snapshot := rec.Clone()
	r.emitter.Emit(events.Event{Type: events.StreamUpdated, Stream: &snapshot})
	return rec, nil
}

// EndStream marks the stream offline, then removes its record, transcript
// and index entry whether or not the record still existed.
func (r *Registry) EndStream(ctx context.Context, id string) error {
	notLive := false
	_, updateErr := r.UpdateStream(ctx, id, domain.StreamPatch{IsLive: &notLive})
	if errors.Is(updateErr, domain.ErrStreamNotFound) {
		updateErr = nil
	}

	r.mu.Lock()
	removeErr := r.remove(ctx, id)
	r.mu.Unlock()

	if err := errors.Join(updateErr, removeErr); err != nil {
		return fmt.Errorf("failed to end stream %s: %w", id, err)
	}

	slog.Info("stream ended",
		slog.String("stream_id", id),
		slog.String("window_id", r.windowID))

	r.emitter.Emit(events.Event{Type: events.StreamEnded, StreamID: id})
	r.publish(ctx, &broadcast.Message{Type: broadcast.MessageStreamEnded, StreamID: id})
	r.scheduleResync()
	return nil
}

// GetAllActiveStreams runs a reconciliation pass and returns its result.
func (r *Registry) GetAllActiveStreams(ctx context.Context) ([]domain.StreamRecord, error) {
	return r.reconcile(ctx)
}

// GetStream returns the stream if it is currently active.
func (r *Registry) GetStream(ctx context.Context, id string) (*domain.StreamRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || !rec.IsActive(r.now(), r.maxAge) {
		return nil, domain.ErrStreamNotFound
	}
	return &rec, nil
}

// SendMessage appends a chat message. Messages are neither validated nor
// deduplicated here.
func (r *Registry) SendMessage(ctx context.Context, streamID, sender, message, senderAddress string) (domain.ChatMessage, error) {
	msg := domain.ChatMessage{
		ID:            newMessageID(r.now()),
		StreamID:      streamID,
		Sender:        sender,
		SenderAddress: senderAddress,
		Message:       message,
		Timestamp:     r.now().UnixMilli(),
		Type:          domain.MessageTypeMessage,
	}

	r.mu.Lock()
	err := r.appendChat(ctx, msg)
	r.mu.Unlock()
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("failed to send message: %w", err)
	}

	r.emitter.Emit(events.Event{Type: events.NewMessage, StreamID: streamID, Message: &msg})
	return msg, nil
}

// GetChatMessages returns the transcript, oldest first. A missing or
// unreadable transcript yields an empty slice.
func (r *Registry) GetChatMessages(ctx context.Context, streamID string) ([]domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadChat(ctx, streamID)
}

func (r *Registry) JoinStream(ctx context.Context, streamID, viewer, address string) error {
	return r.presence(ctx, streamID, viewer, address, +1)
}

func (r *Registry) LeaveStream(ctx context.Context, streamID, viewer string) error {
	return r.presence(ctx, streamID, viewer, "", -1)
}

// Refresh asks the running loop for an immediate reconciliation pass.
// It never blocks.
func (r *Registry) Refresh() {
	select {
	case r.refreshCh <- struct{}{}:
	default:
	}
}

func (r *Registry) scheduleResync() {
	select {
	case r.scheduleCh <- struct{}{}:
	default:
	}
}

func (r *Registry) presence(ctx context.Context, streamID, viewer, address string, delta int) error {
	now := r.now()
	kind, verb, evType := domain.MessageTypeJoin, "joined", events.ViewerJoined
	if delta < 0 {
		kind, verb, evType = domain.MessageTypeLeave, "left", events.ViewerLeft
	}

	msg := domain.ChatMessage{
		ID:            newMessageID(now),
		StreamID:      streamID,
		Sender:        domain.SystemSender,
		SenderAddress: address,
		Message:       fmt.Sprintf("%s %s the stream", viewer, verb),
		Timestamp:     now.UnixMilli(),
		Type:          kind,
	}

	r.mu.Lock()
	err := r.presenceLocked(ctx, streamID, delta, msg)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.emitter.Emit(events.Event{
		Type:     evType,
		StreamID: streamID,
		Viewer:   &events.Viewer{StreamID: streamID, Name: viewer, Address: address},
	})
	r.emitter.Emit(events.Event{Type: events.NewMessage, StreamID: streamID, Message: &msg})
	return nil
}

func (r *Registry) presenceLocked(ctx context.Context, streamID string, delta int, msg domain.ChatMessage) error {
	rec, ok, err := r.load(ctx, streamID)
	if err != nil {
		return err
	}
	if !ok || !rec.IsActive(r.now(), r.maxAge) {
		return domain.ErrStreamNotFound
	}

	rec.ViewerCount = max(rec.ViewerCount+delta, 0)
	rec.LastUpdate = r.now().UnixMilli()
	if err := r.persist(ctx, rec); err != nil {
		return err
	}
	return r.appendChat(ctx, msg)
}

// update applies fn to the stored record and persists it. r.mu must be held.
func (r *Registry) update(ctx context.Context, id string, fn func(*domain.StreamRecord)) (domain.StreamRecord, error) {
	rec, ok, err := r.load(ctx, id)
	if err != nil {
		return domain.StreamRecord{}, err
	}
	if !ok {
		return domain.StreamRecord{}, domain.ErrStreamNotFound
	}

	fn(&rec)
	rec.ID = id
	rec.LastUpdate = r.now().UnixMilli()
	if err := r.persist(ctx, rec); err != nil {
		return domain.StreamRecord{}, err
	}
	return rec.Clone(), nil
}

// persist writes the individual record, then rewrites the index with any
// previous entry for the same id replaced by rec at the end.
func (r *Registry) persist(ctx context.Context, rec domain.StreamRecord) error {
	if err := r.putJSON(ctx, r.keys.stream(rec.ID), rec); err != nil {
		return err
	}

	index, _, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	next := make([]domain.StreamRecord, 0, len(index)+1)
	for _, entry := range index {
		if entry.ID != rec.ID {
			next = append(next, entry)
		}
	}
	next = append(next, rec)
	return r.putJSON(ctx, r.keys.index(), next)
}

// remove deletes every trace of a stream. r.mu must be held.
func (r *Registry) remove(ctx context.Context, id string) error {
	if err := r.store.Remove(ctx, r.keys.stream(id)); err != nil {
		return err
	}
	if err := r.store.Remove(ctx, r.keys.chat(id)); err != nil {
		return err
	}

	index, _, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	next := make([]domain.StreamRecord, 0, len(index))
	for _, entry := range index {
		if entry.ID != id {
			next = append(next, entry)
		}
	}
	if len(next) == len(index) {
		return nil
	}
	return r.putJSON(ctx, r.keys.index(), next)
}

func (r *Registry) appendChat(ctx context.Context, msg domain.ChatMessage) error {
	msgs, err := r.loadChat(ctx, msg.StreamID)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)
	if len(msgs) > r.chatLimit {
		msgs = msgs[len(msgs)-r.chatLimit:]
	}
	if err := r.putJSON(ctx, r.keys.chat(msg.StreamID), msgs); err != nil {
		return err
	}
	observability.ChatMessages.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

// load reads one record. A value that cannot be decoded, or whose id does not
// match its key, is deleted and reported as absent.
func (r *Registry) load(ctx context.Context, id string) (domain.StreamRecord, bool, error) {
	var rec domain.StreamRecord
	ok, err := r.getJSON(ctx, r.keys.stream(id), &rec)
	if err != nil || !ok {
		return domain.StreamRecord{}, false, err
	}
	if rec.ID != id {
		slog.Warn("removing stream record stored under the wrong key",
			slog.String("key", r.keys.stream(id)),
			slog.String("record_id", rec.ID))
		return domain.StreamRecord{}, false, r.discard(ctx, r.keys.stream(id))
	}
	return rec, true, nil
}

func (r *Registry) loadIndex(ctx context.Context) ([]domain.StreamRecord, []byte, error) {
	raw, err := r.store.Get(ctx, r.keys.index())
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var index []domain.StreamRecord
	if err := json.Unmarshal(raw, &index); err != nil {
		slog.Warn("discarding corrupt stream index",
			slog.String("key", r.keys.index()),
			slog.String("error", err.Error()))
		return nil, nil, r.discard(ctx, r.keys.index())
	}
	return index, raw, nil
}

func (r *Registry) loadChat(ctx context.Context, streamID string) ([]domain.ChatMessage, error) {
	msgs := make([]domain.ChatMessage, 0)
	if _, err := r.getJSON(ctx, r.keys.chat(streamID), &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = make([]domain.ChatMessage, 0)
	}
	return msgs, nil
}

// getJSON decodes key into v. Missing keys report false; corrupt values are
// deleted and also report false.
func (r *Registry) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(raw, v); err != nil {
		slog.Warn("discarding corrupt value",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return false, r.discard(ctx, key)
	}
	return true, nil
}

func (r *Registry) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, key, data)
}

func (r *Registry) discard(ctx context.Context, key string) error {
	if err := r.store.Remove(ctx, key); err != nil {
		return err
	}
	observability.RecordsPurged.Inc()
	return nil
}

// reconcile is one reconciliation pass. It deletes purged records, rewrites
// the index when it drifted, and emits streamsUpdated when the active set
// differs from the previous pass.
func (r *Registry) reconcile(ctx context.Context) ([]domain.StreamRecord, error) {
	start := time.Now()

	r.mu.Lock()
	active, err := r.reconcileLocked(ctx)
	var seq uint64
	if err == nil {
		if sig := signature(active); sig != r.lastActive {
			r.lastActive = sig
			r.snapshotSeq++
			seq = r.snapshotSeq
		}
	}
	r.mu.Unlock()

	observability.ReconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	observability.StreamsActive.Set(float64(len(active)))
	if seq != 0 {
		r.emitSnapshot(seq, active)
	}
	return active, nil
}

// emitSnapshot announces the active set numbered seq unless a newer one has
// already gone out.
func (r *Registry) emitSnapshot(seq uint64, active []domain.StreamRecord) {
	r.emitMu.Lock()
	stale := seq <= r.emittedSeq
	if !stale {
		r.emittedSeq = seq
	}
	r.emitMu.Unlock()
	if stale {
		return
	}

	snapshot := make([]domain.StreamRecord, len(active))
	for i, rec := range active {
		snapshot[i] = rec.Clone()
	}
	r.emitter.Emit(events.Event{Type: events.StreamsUpdated, Streams: snapshot, Seq: seq})
}

func (r *Registry) reconcileLocked(ctx context.Context) ([]domain.StreamRecord, error) {
	index, rawIndex, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := r.store.Keys(ctx, r.keys.streamPrefix())
	if err != nil {
		return nil, err
	}
	records := make([]domain.StreamRecord, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := r.load(ctx, r.keys.streamID(key))
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, rec)
		}
	}

	res := Reconcile(index, records, r.now(), r.maxAge)

	for _, id := range res.Purge {
		if err := r.store.Remove(ctx, r.keys.stream(id)); err != nil {
			return nil, err
		}
		if err := r.store.Remove(ctx, r.keys.chat(id)); err != nil {
			return nil, err
		}
		observability.RecordsPurged.Inc()
		slog.Info("purged stale stream", slog.String("stream_id", id))
	}

	active := res.Active
	if active == nil {
		active = make([]domain.StreamRecord, 0)
	}
	cleaned, err := json.Marshal(active)
	if err != nil {
		return nil, err
	}
	if rawIndex == nil || string(cleaned) != string(rawIndex) {
		if err := r.store.Set(ctx, r.keys.index(), cleaned); err != nil {
			return nil, err
		}
	}
	return active, nil
}

// signature captures what makes two active sets differ for listeners.
func signature(active []domain.StreamRecord) string {
	var b strings.Builder
	for _, rec := range active {
		b.WriteString(rec.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(rec.LastUpdate, 10))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(rec.ViewerCount))
		b.WriteByte(';')
	}
	return b.String()
}
