package domain

import (
	"errors"
	"time"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrInvalidInput   = errors.New("invalid input")
)

// DefaultMaxAge is how long a live stream stays visible without being ended.
const DefaultMaxAge = 24 * time.Hour

// StreamRecord is a live stream as persisted in the store.
// Timestamps are epoch milliseconds.
type StreamRecord struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Category        string   `json:"category"`
	Topic           string   `json:"topic"`
	StreamerAddress string   `json:"streamerAddress"`
	IsLive          bool     `json:"isLive"`
	ViewerCount     int      `json:"viewerCount"`
	StartTime       int64    `json:"startTime"`
	Moderators      []string `json:"moderators"`
	LastUpdate      int64    `json:"lastUpdate"`
}

// StreamInput is the caller-supplied part of a new stream.
type StreamInput struct {
	Title           string   `json:"title"`
	Category        string   `json:"category"`
	Topic           string   `json:"topic"`
	StreamerAddress string   `json:"streamerAddress"`
	IsLive          bool     `json:"isLive"`
	StartTime       int64    `json:"startTime"`
	Moderators      []string `json:"moderators"`
}

// StreamPatch is a shallow partial update. Nil fields are left untouched;
// a non-nil Moderators replaces the whole list.
type StreamPatch struct {
	Title           *string  `json:"title,omitempty"`
	Category        *string  `json:"category,omitempty"`
	Topic           *string  `json:"topic,omitempty"`
	StreamerAddress *string  `json:"streamerAddress,omitempty"`
	IsLive          *bool    `json:"isLive,omitempty"`
	ViewerCount     *int     `json:"viewerCount,omitempty"`
	Moderators      []string `json:"moderators,omitempty"`
}

// Apply merges the patch into s.
func (p StreamPatch) Apply(s *StreamRecord) {
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Category != nil {
		s.Category = *p.Category
	}
	if p.Topic != nil {
		s.Topic = *p.Topic
	}
	if p.StreamerAddress != nil {
		s.StreamerAddress = *p.StreamerAddress
	}
	if p.IsLive != nil {
		s.IsLive = *p.IsLive
	}
	if p.ViewerCount != nil {
		s.ViewerCount = *p.ViewerCount
	}
	if p.Moderators != nil {
		s.Moderators = append([]string(nil), p.Moderators...)
	}
}

// Age returns how long the stream has been running at now.
func (s StreamRecord) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.StartTime))
}

// IsActive reports whether the stream is live and younger than maxAge.
func (s StreamRecord) IsActive(now time.Time, maxAge time.Duration) bool {
	return s.IsLive && s.Age(now) < maxAge
}

// Clone returns a copy that shares no slices with s.
func (s StreamRecord) Clone() StreamRecord {
	c := s
	if s.Moderators != nil {
		c.Moderators = append([]string(nil), s.Moderators...)
	}
	return c
}
