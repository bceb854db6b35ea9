package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pandapi-streams/internal/domain"
)

// Counter for generating unique IDs
var idCounter atomic.Int64

// nextID generates a unique ID for test fixtures
func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// Clock is a settable time source for code that accepts func() time.Time
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// StreamOptions allows customizing stream fixture creation
type StreamOptions struct {
	ID              string
	Title           string
	Category        string
	Topic           string
	StreamerAddress string
	IsLive          bool
	ViewerCount     int
	StartTime       time.Time
	Moderators      []string
}

// NewTestStream creates a live stream record started now
func NewTestStream(opts ...func(*StreamOptions)) domain.StreamRecord {
	o := &StreamOptions{
		ID:              fmt.Sprintf("stream_%d_test", idCounter.Add(1)),
		Title:           fmt.Sprintf("Test Stream %d", idCounter.Load()),
		Category:        "gaming",
		Topic:           "speedrun",
		StreamerAddress: "0x" + nextID("streamer"),
		IsLive:          true,
		StartTime:       time.Now(),
		Moderators:      []string{},
	}

	for _, opt := range opts {
		opt(o)
	}

	return domain.StreamRecord{
		ID:              o.ID,
		Title:           o.Title,
		Category:        o.Category,
		Topic:           o.Topic,
		StreamerAddress: o.StreamerAddress,
		IsLive:          o.IsLive,
		ViewerCount:     o.ViewerCount,
		StartTime:       o.StartTime.UnixMilli(),
		Moderators:      o.Moderators,
		LastUpdate:      o.StartTime.UnixMilli(),
	}
}

// NewTestStreamInput creates creation input for a live stream starting at t
func NewTestStreamInput(t time.Time, opts ...func(*StreamOptions)) domain.StreamInput {
	rec := NewTestStream(append([]func(*StreamOptions){WithStartTime(t)}, opts...)...)
	return domain.StreamInput{
		Title:           rec.Title,
		Category:        rec.Category,
		Topic:           rec.Topic,
		StreamerAddress: rec.StreamerAddress,
		IsLive:          rec.IsLive,
		StartTime:       rec.StartTime,
		Moderators:      rec.Moderators,
	}
}

// WithStreamID sets the stream ID
func WithStreamID(id string) func(*StreamOptions) {
	return func(o *StreamOptions) {
		o.ID = id
	}
}

// WithTitle sets the stream title
func WithTitle(title string) func(*StreamOptions) {
	return func(o *StreamOptions) {
		o.Title = title
	}
}

// WithStreamer sets the streamer wallet address
func WithStreamer(addr string) func(*StreamOptions) {
	return func(o *StreamOptions) {
		o.StreamerAddress = addr
	}
}

// WithLive sets whether the stream is live
func WithLive(live bool) func(*StreamOptions) {
	return func(o *StreamOptions) {
		o.IsLive = live
	}
}

// WithViewerCount sets the viewer count
func WithViewerCount(n int) func(*StreamOptions) {
	return func(o *StreamOptions) {
		o.ViewerCount = n
	}
}

// WithStartTime sets when the stream started
func WithStartTime(t time.Time) func(*StreamOptions) {
	return func(o *StreamOptions) {
		o.StartTime = t
	}
}

// WithModerators sets the moderator presets
func WithModerators(mods ...string) func(*StreamOptions) {
	return func(o *StreamOptions) {
		o.Moderators = mods
	}
}

// NewTestChatMessage creates a chat message for streamID
func NewTestChatMessage(streamID, sender, text string) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        nextID("msg"),
		StreamID:  streamID,
		Sender:    sender,
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
		Type:      domain.MessageTypeMessage,
	}
}

// NewTestStreams creates count live streams
func NewTestStreams(count int) []domain.StreamRecord {
	streams := make([]domain.StreamRecord, count)
	for i := 0; i < count; i++ {
		streams[i] = NewTestStream()
	}
	return streams
}
