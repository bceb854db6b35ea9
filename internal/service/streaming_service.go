package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"pandapi-streams/internal/domain"
	"pandapi-streams/internal/events"
)

const (
	MaxTitleLength   = 200
	MaxMessageLength = 1000
)

// StreamRegistry is what StreamingService needs from the registry.
type StreamRegistry interface {
	CreateStream(ctx context.Context, in domain.StreamInput) (string, error)
	UpdateStream(ctx context.Context, id string, patch domain.StreamPatch) (domain.StreamRecord, error)
	EndStream(ctx context.Context, id string) error
	GetAllActiveStreams(ctx context.Context) ([]domain.StreamRecord, error)
	GetStream(ctx context.Context, id string) (*domain.StreamRecord, error)
	SendMessage(ctx context.Context, streamID, sender, message, senderAddress string) (domain.ChatMessage, error)
	GetChatMessages(ctx context.Context, streamID string) ([]domain.ChatMessage, error)
	JoinStream(ctx context.Context, streamID, viewer, address string) error
	LeaveStream(ctx context.Context, streamID, viewer string) error
	On(t events.EventType, fn events.Listener) events.Subscription
	Off(sub events.Subscription)
}

// CreateStreamRequest is what a streamer supplies to go live.
type CreateStreamRequest struct {
	Title           string   `json:"title"`
	Category        string   `json:"category"`
	Topic           string   `json:"topic"`
	StreamerAddress string   `json:"streamerAddress"`
	StartTime       int64    `json:"startTime,omitempty"`
	Moderators      []string `json:"moderators"`
}

// StreamingService is the stable, stateless entry point handlers use.
// It validates input and forwards to the registry.
type StreamingService struct {
	registry StreamRegistry
	now      func() time.Time
}

func NewStreamingService(registry StreamRegistry) *StreamingService {
	return &StreamingService{registry: registry, now: time.Now}
}

// CreateStream starts a live stream with no viewers. StartTime defaults to now.
func (s *StreamingService) CreateStream(ctx context.Context, req CreateStreamRequest) (string, error) {
	if err := validateTitle(req.Title); err != nil {
		return "", err
	}

	start := req.StartTime
	if start == 0 {
		start = s.now().UnixMilli()
	}

	return s.registry.CreateStream(ctx, domain.StreamInput{
		Title:           strings.TrimSpace(req.Title),
		Category:        req.Category,
		Topic:           req.Topic,
		StreamerAddress: req.StreamerAddress,
		IsLive:          true,
		StartTime:       start,
		Moderators:      req.Moderators,
	})
}

// UpdateStream returns the merged record, which may no longer be live.
func (s *StreamingService) UpdateStream(ctx context.Context, id string, patch domain.StreamPatch) (domain.StreamRecord, error) {
	if patch.Title != nil {
		if err := validateTitle(*patch.Title); err != nil {
			return domain.StreamRecord{}, err
		}
	}
	if patch.ViewerCount != nil && *patch.ViewerCount < 0 {
		return domain.StreamRecord{}, fmt.Errorf("%w: viewer count cannot be negative", domain.ErrInvalidInput)
	}
	return s.registry.UpdateStream(ctx, id, patch)
}

func (s *StreamingService) EndStream(ctx context.Context, id string) error {
	return s.registry.EndStream(ctx, id)
}

func (s *StreamingService) GetAllActiveStreams(ctx context.Context) ([]domain.StreamRecord, error) {
	return s.registry.GetAllActiveStreams(ctx)
}

func (s *StreamingService) GetStream(ctx context.Context, id string) (*domain.StreamRecord, error) {
	return s.registry.GetStream(ctx, id)
}

func (s *StreamingService) SendMessage(ctx context.Context, streamID, sender, message, senderAddress string) (domain.ChatMessage, error) {
	if strings.TrimSpace(sender) == "" {
		return domain.ChatMessage{}, fmt.Errorf("%w: sender is required", domain.ErrInvalidInput)
	}
	n := utf8.RuneCountInString(strings.TrimSpace(message))
	if n == 0 || n > MaxMessageLength {
		return domain.ChatMessage{}, fmt.Errorf("%w: message must be 1-%d characters", domain.ErrInvalidInput, MaxMessageLength)
	}
	return s.registry.SendMessage(ctx, streamID, sender, message, senderAddress)
}

func (s *StreamingService) GetChatMessages(ctx context.Context, streamID string) ([]domain.ChatMessage, error) {
	return s.registry.GetChatMessages(ctx, streamID)
}

func (s *StreamingService) JoinStream(ctx context.Context, streamID, viewer, address string) error {
	if strings.TrimSpace(viewer) == "" {
		return fmt.Errorf("%w: viewer name is required", domain.ErrInvalidInput)
	}
	return s.registry.JoinStream(ctx, streamID, viewer, address)
}

func (s *StreamingService) LeaveStream(ctx context.Context, streamID, viewer string) error {
	if strings.TrimSpace(viewer) == "" {
		return fmt.Errorf("%w: viewer name is required", domain.ErrInvalidInput)
	}
	return s.registry.LeaveStream(ctx, streamID, viewer)
}

func (s *StreamingService) Subscribe(t events.EventType, fn events.Listener) events.Subscription {
	return s.registry.On(t, fn)
}

func (s *StreamingService) Unsubscribe(sub events.Subscription) {
	s.registry.Off(sub)
}

func validateTitle(title string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(title))
	if n == 0 || n > MaxTitleLength {
		return fmt.Errorf("%w: title must be 1-%d characters", domain.ErrInvalidInput, MaxTitleLength)
	}
	return nil
}
