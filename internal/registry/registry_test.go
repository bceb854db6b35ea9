package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"pandapi-streams/internal/domain"
	"pandapi-streams/internal/events"
	"pandapi-streams/internal/storage"
	"pandapi-streams/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *storage.MemoryStore, *testutil.Clock) {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := testutil.NewClock(time.UnixMilli(1_700_000_000_000))
	r := New(store, nil, append([]Option{WithClock(clock.Now)}, opts...)...)
	return r, store, clock
}

func createLive(t *testing.T, r *Registry, clock *testutil.Clock, opts ...func(*testutil.StreamOptions)) string {
	t.Helper()
	id, err := r.CreateStream(context.Background(), testutil.NewTestStreamInput(clock.Now(), opts...))
	require.NoError(t, err)
	return id
}

func storedIndex(t *testing.T, store storage.Store) []domain.StreamRecord {
	t.Helper()
	raw, err := store.Get(context.Background(), "pandapi_global_streams")
	require.NoError(t, err)
	var index []domain.StreamRecord
	require.NoError(t, json.Unmarshal(raw, &index))
	return index
}

func TestCreateStream(t *testing.T) {
	ctx := context.Background()
	r, store, clock := newTestRegistry(t)

	var created []domain.StreamRecord
	r.On(events.StreamCreated, func(ev events.Event) { created = append(created, *ev.Stream) })

	id := createLive(t, r, clock, testutil.WithTitle("Test"), testutil.WithModerators("mod-a"))

	assert.Regexp(t, `^stream_1700000000000_[0-9a-f]{9}$`, id)

	raw, err := store.Get(ctx, "pandapi_stream_"+id)
	require.NoError(t, err)
	var rec domain.StreamRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "Test", rec.Title)
	assert.Equal(t, 0, rec.ViewerCount)
	assert.Equal(t, clock.Now().UnixMilli(), rec.LastUpdate)
	assert.Equal(t, []string{"mod-a"}, rec.Moderators)

	index := storedIndex(t, store)
	require.Len(t, index, 1)
	assert.Equal(t, id, index[0].ID)

	require.Len(t, created, 1)
	assert.Equal(t, id, created[0].ID)
}

func TestCreateStream_DefaultsStartTime(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestRegistry(t)

	in := testutil.NewTestStreamInput(clock.Now())
	in.StartTime = 0
	id, err := r.CreateStream(ctx, in)
	require.NoError(t, err)

	active, err := r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
	assert.Equal(t, clock.Now().UnixMilli(), active[0].StartTime)
}

func TestUpdateStream(t *testing.T) {
	ctx := context.Background()

	t.Run("merges_fields_and_stamps_last_update", func(t *testing.T) {
		r, _, clock := newTestRegistry(t)
		id := createLive(t, r, clock, testutil.WithTitle("before"), testutil.WithModerators("a", "b"))

		var updated *domain.StreamRecord
		r.On(events.StreamUpdated, func(ev events.Event) { updated = ev.Stream })

		clock.Advance(time.Second)
		title := "after"
		merged, err := r.UpdateStream(ctx, id, domain.StreamPatch{Title: &title, Moderators: []string{"c"}})
		require.NoError(t, err)
		assert.Equal(t, "after", merged.Title)

		rec, err := r.GetStream(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "after", rec.Title)
		assert.Equal(t, []string{"c"}, rec.Moderators)
		assert.Equal(t, clock.Now().UnixMilli(), rec.LastUpdate)

		require.NotNil(t, updated)
		assert.Equal(t, "after", updated.Title)
	})

	t.Run("missing_stream_is_not_created", func(t *testing.T) {
		r, store, _ := newTestRegistry(t)
		title := "x"
		_, err := r.UpdateStream(ctx, "stream_missing", domain.StreamPatch{Title: &title})
		assert.ErrorIs(t, err, domain.ErrStreamNotFound)

		_, err = store.Get(ctx, "pandapi_stream_stream_missing")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})
}

func TestEndStream(t *testing.T) {
	ctx := context.Background()
	r, store, clock := newTestRegistry(t)
	id := createLive(t, r, clock)
	_, err := r.SendMessage(ctx, id, "Alice", "hi", "")
	require.NoError(t, err)

	var seen []events.EventType
	for _, et := range []events.EventType{events.StreamUpdated, events.StreamEnded} {
		r.On(et, func(ev events.Event) { seen = append(seen, ev.Type) })
	}

	require.NoError(t, r.EndStream(ctx, id))

	assert.Equal(t, []events.EventType{events.StreamUpdated, events.StreamEnded}, seen)
	_, err = store.Get(ctx, "pandapi_stream_"+id)
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	_, err = store.Get(ctx, "pandapi_chat_"+id)
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	assert.Empty(t, storedIndex(t, store))

	t.Run("unknown_stream_is_not_an_error", func(t *testing.T) {
		assert.NoError(t, r.EndStream(ctx, "stream_unknown"))
	})
}

// Visibility: a record is listed iff it is live and younger than the max age.
func TestGetAllActiveStreams_Visibility(t *testing.T) {
	ctx := context.Background()
	r, store, clock := newTestRegistry(t)

	fresh := createLive(t, r, clock)
	offline := createLive(t, r, clock)
	notLive := false
	_, err := r.UpdateStream(ctx, offline, domain.StreamPatch{IsLive: &notLive})
	require.NoError(t, err)

	active, err := r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, ids(active))
	_, err = store.Get(ctx, "pandapi_stream_"+offline)
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	clock.Advance(24*time.Hour - time.Millisecond)
	active, err = r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, ids(active))

	clock.Advance(time.Millisecond)
	active, err = r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

// Index self-healing: an index id without a record is dropped.
func TestGetAllActiveStreams_HealsIndex(t *testing.T) {
	ctx := context.Background()
	r, store, clock := newTestRegistry(t)
	id := createLive(t, r, clock)

	ghost := testutil.NewTestStream(testutil.WithStreamID("stream_ghost"), testutil.WithStartTime(clock.Now()))
	index := append(storedIndex(t, store), ghost)
	raw, _ := json.Marshal(index)
	require.NoError(t, store.Set(ctx, "pandapi_global_streams", raw))

	active, err := r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids(active))
	assert.Equal(t, []string{id}, ids(storedIndex(t, store)))
}

func TestGetAllActiveStreams_RecoversUnindexedRecords(t *testing.T) {
	ctx := context.Background()
	r, store, clock := newTestRegistry(t)

	orphan := testutil.NewTestStream(testutil.WithStreamID("stream_orphan"), testutil.WithStartTime(clock.Now()))
	raw, _ := json.Marshal(orphan)
	require.NoError(t, store.Set(ctx, "pandapi_stream_stream_orphan", raw))

	active, err := r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stream_orphan"}, ids(active))
	assert.Equal(t, []string{"stream_orphan"}, ids(storedIndex(t, store)))
}

func TestCorruptValuesAreDiscarded(t *testing.T) {
	ctx := context.Background()
	r, store, clock := newTestRegistry(t)
	id := createLive(t, r, clock)

	require.NoError(t, store.Set(ctx, "pandapi_stream_stream_bad", []byte("{not json")))
	require.NoError(t, store.Set(ctx, "pandapi_chat_"+id, []byte("[oops")))

	active, err := r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids(active))
	_, err = store.Get(ctx, "pandapi_stream_stream_bad")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	msgs, err := r.GetChatMessages(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
	_, err = store.Get(ctx, "pandapi_chat_"+id)
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	t.Run("corrupt_index_is_rebuilt", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "pandapi_global_streams", []byte("garbage")))
		active, err := r.GetAllActiveStreams(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, ids(active))
		assert.Equal(t, []string{id}, ids(storedIndex(t, store)))
	})
}

// End is terminal: an ended stream never reappears and its transcript is gone.
func TestEndStream_IsTerminal(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestRegistry(t)
	id := createLive(t, r, clock)
	_, err := r.SendMessage(ctx, id, "Alice", "hello", "")
	require.NoError(t, err)

	require.NoError(t, r.EndStream(ctx, id))

	for i := 0; i < 3; i++ {
		active, err := r.GetAllActiveStreams(ctx)
		require.NoError(t, err)
		assert.NotContains(t, ids(active), id)
	}
	msgs, err := r.GetChatMessages(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// Transcript cap: only the most recent messages are kept.
func TestSendMessage_TranscriptCap(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestRegistry(t)
	id := createLive(t, r, clock)

	for i := 0; i < 150; i++ {
		_, err := r.SendMessage(ctx, id, "Alice", fmt.Sprintf("msg %d", i), "")
		require.NoError(t, err)
	}

	msgs, err := r.GetChatMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 100)
	assert.Equal(t, "msg 50", msgs[0].Message)
	assert.Equal(t, "msg 149", msgs[99].Message)
}

func TestSendMessage_CustomLimit(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestRegistry(t, WithChatHistoryLimit(3))
	id := createLive(t, r, clock)

	for i := 0; i < 5; i++ {
		_, err := r.SendMessage(ctx, id, "Bob", fmt.Sprint(i), "")
		require.NoError(t, err)
	}
	msgs, err := r.GetChatMessages(ctx, id)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

// Viewer count floor: leaving never drives the count negative.
func TestLeaveStream_ViewerCountFloor(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestRegistry(t)
	id := createLive(t, r, clock)

	require.NoError(t, r.JoinStream(ctx, id, "Alice", ""))
	for i := 0; i < 5; i++ {
		require.NoError(t, r.LeaveStream(ctx, id, "Alice"))
	}

	rec, err := r.GetStream(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ViewerCount)
}

func TestJoinStream_RequiresActiveStream(t *testing.T) {
	ctx := context.Background()
	r, store, clock := newTestRegistry(t)

	assert.ErrorIs(t, r.JoinStream(ctx, "stream_nope", "Alice", ""), domain.ErrStreamNotFound)
	assert.ErrorIs(t, r.LeaveStream(ctx, "stream_nope", "Alice"), domain.ErrStreamNotFound)

	id := createLive(t, r, clock)
	require.NoError(t, r.EndStream(ctx, id))
	assert.ErrorIs(t, r.JoinStream(ctx, id, "Alice", ""), domain.ErrStreamNotFound)

	_, err := store.Get(ctx, "pandapi_chat_"+id)
	assert.ErrorIs(t, err, storage.ErrKeyNotFound, "failed join must have no side effects")
}

// Listener isolation: a panicking listener does not block the next one.
func TestListenerIsolation(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestRegistry(t)

	called := false
	r.On(events.StreamCreated, func(events.Event) { panic("listener bug") })
	r.On(events.StreamCreated, func(events.Event) { called = true })

	assert.NotPanics(t, func() { createLive(t, r, clock) })
	assert.True(t, called)

	active, err := r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestScenarios(t *testing.T) {
	ctx := context.Background()
	r, store, clock := newTestRegistry(t)

	var streamID string

	t.Run("A_create_then_list", func(t *testing.T) {
		streamID = createLive(t, r, clock, testutil.WithTitle("Test"))
		active, err := r.GetAllActiveStreams(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, streamID, active[0].ID)
	})

	t.Run("B_join", func(t *testing.T) {
		var joined *events.Viewer
		sub := r.On(events.ViewerJoined, func(ev events.Event) { joined = ev.Viewer })
		defer r.Off(sub)

		require.NoError(t, r.JoinStream(ctx, streamID, "Alice", "0xa11ce"))

		rec, err := r.GetStream(ctx, streamID)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.ViewerCount)

		msgs, err := r.GetChatMessages(ctx, streamID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, domain.MessageTypeJoin, msgs[0].Type)
		assert.Equal(t, domain.SystemSender, msgs[0].Sender)
		assert.Contains(t, msgs[0].Message, "Alice")

		require.NotNil(t, joined)
		assert.Equal(t, "Alice", joined.Name)
	})

	t.Run("C_messages_in_send_order", func(t *testing.T) {
		var received []string
		sub := r.On(events.NewMessage, func(ev events.Event) { received = append(received, ev.Message.Message) })
		defer r.Off(sub)

		_, err := r.SendMessage(ctx, streamID, "Alice", "hello", "")
		require.NoError(t, err)
		_, err = r.SendMessage(ctx, streamID, "Bob", "hi", "0xb0b")
		require.NoError(t, err)

		msgs, err := r.GetChatMessages(ctx, streamID)
		require.NoError(t, err)
		var chat []domain.ChatMessage
		for _, m := range msgs {
			if m.Type == domain.MessageTypeMessage {
				chat = append(chat, m)
			}
		}
		require.Len(t, chat, 2)
		assert.Equal(t, "Alice", chat[0].Sender)
		assert.Equal(t, "hello", chat[0].Message)
		assert.Equal(t, "Bob", chat[1].Sender)
		assert.Equal(t, "0xb0b", chat[1].SenderAddress)
		assert.Equal(t, []string{"hello", "hi"}, received)
	})

	t.Run("D_end", func(t *testing.T) {
		require.NoError(t, r.EndStream(ctx, streamID))
		active, err := r.GetAllActiveStreams(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
		msgs, err := r.GetChatMessages(ctx, streamID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("E_stale_record_injected", func(t *testing.T) {
		old := testutil.NewTestStream(
			testutil.WithStreamID("stream_old"),
			testutil.WithStartTime(clock.Now().Add(-25*time.Hour)),
		)
		raw, _ := json.Marshal(old)
		require.NoError(t, store.Set(ctx, "pandapi_stream_stream_old", raw))

		active, err := r.GetAllActiveStreams(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
		_, err = store.Get(ctx, "pandapi_stream_stream_old")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})
}

func TestStreamsUpdated_OnlyOnChange(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestRegistry(t)

	var updates [][]domain.StreamRecord
	r.On(events.StreamsUpdated, func(ev events.Event) { updates = append(updates, ev.Streams) })

	_, err := r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	assert.Empty(t, updates, "empty set on first pass is not a change")

	id := createLive(t, r, clock)
	_, err = r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	_, err = r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, []string{id}, ids(updates[0]))

	clock.Advance(time.Second)
	require.NoError(t, r.JoinStream(ctx, id, "Carol", ""))
	_, err = r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, 1, updates[1][0].ViewerCount)
}

func TestStreamsUpdated_SequenceAndStaleDrop(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestRegistry(t)

	var seqs []uint64
	r.On(events.StreamsUpdated, func(ev events.Event) { seqs = append(seqs, ev.Seq) })

	createLive(t, r, clock)
	_, err := r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	createLive(t, r, clock)
	_, err = r.GetAllActiveStreams(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, seqs)

	// A pass that computed its set before the last one delivered loses.
	r.emitSnapshot(1, nil)
	assert.Equal(t, []uint64{1, 2}, seqs)

	r.emitSnapshot(5, nil)
	assert.Equal(t, []uint64{1, 2, 5}, seqs)
}

func TestWithPrefix(t *testing.T) {
	ctx := context.Background()
	r, store, clock := newTestRegistry(t, WithPrefix("other"))
	id := createLive(t, r, clock)

	keys, err := store.Keys(ctx, "")
	require.NoError(t, err)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "other_"), k)
	}
	assert.Contains(t, keys, "other_stream_"+id)
}
