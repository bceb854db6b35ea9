package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"pandapi-streams/internal/domain"
	"pandapi-streams/internal/observability"
	"pandapi-streams/internal/service"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

// StreamingService is the facade the HTTP layer drives
type StreamingService interface {
	CreateStream(ctx context.Context, req service.CreateStreamRequest) (string, error)
	UpdateStream(ctx context.Context, id string, patch domain.StreamPatch) (domain.StreamRecord, error)
	EndStream(ctx context.Context, id string) error
	GetAllActiveStreams(ctx context.Context) ([]domain.StreamRecord, error)
	GetStream(ctx context.Context, id string) (*domain.StreamRecord, error)
	SendMessage(ctx context.Context, streamID, sender, message, senderAddress string) (domain.ChatMessage, error)
	GetChatMessages(ctx context.Context, streamID string) ([]domain.ChatMessage, error)
	JoinStream(ctx context.Context, streamID, viewer, address string) error
	LeaveStream(ctx context.Context, streamID, viewer string) error
}

// StreamHandler handles stream, viewer and chat endpoints
type StreamHandler struct {
	streams StreamingService
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(streams StreamingService) *StreamHandler {
	return &StreamHandler{streams: streams}
}

// CreateStreamResponse is returned by Create
type CreateStreamResponse struct {
	ID     string               `json:"id"`
	Stream *domain.StreamRecord `json:"stream,omitempty"`
}

// SendMessageRequest represents a chat post
type SendMessageRequest struct {
	Sender        string `json:"sender"`
	Message       string `json:"message"`
	SenderAddress string `json:"senderAddress"`
}

// ViewerRequest represents a join or leave
type ViewerRequest struct {
	Viewer  string `json:"viewer"`
	Address string `json:"address"`
}

// Routes mounts the stream endpoints on r
func (h *StreamHandler) Routes(r chi.Router) {
	r.Get("/streams", h.List)
	r.Post("/streams", h.Create)
	r.Route("/streams/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Update)
		r.Delete("/", h.End)
		r.Post("/join", h.Join)
		r.Post("/leave", h.Leave)
		r.Get("/messages", h.GetMessages)
		r.Post("/messages", h.SendMessage)
	})
}

// List returns every active stream
func (h *StreamHandler) List(w http.ResponseWriter, r *http.Request) {
	streams, err := h.streams.GetAllActiveStreams(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

// Create starts a stream. The wallet header is the default streamer address.
func (h *StreamHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateStreamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StreamerAddress == "" {
		req.StreamerAddress = observability.WalletAddress(r.Context())
	}

	id, err := h.streams.CreateStream(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := CreateStreamResponse{ID: id}
	if rec, err := h.streams.GetStream(r.Context(), id); err == nil {
		resp.Stream = rec
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *StreamHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.streams.GetStream(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Update applies a partial update and returns the resulting record
func (h *StreamHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var patch domain.StreamPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	rec, err := h.streams.UpdateStream(r.Context(), id, patch)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// End ends a stream. Ending an unknown stream still succeeds.
func (h *StreamHandler) End(w http.ResponseWriter, r *http.Request) {
	if err := h.streams.EndStream(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StreamHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req ViewerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Address == "" {
		req.Address = observability.WalletAddress(r.Context())
	}
	if err := h.streams.JoinStream(r.Context(), chi.URLParam(r, "id"), req.Viewer, req.Address); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StreamHandler) Leave(w http.ResponseWriter, r *http.Request) {
	var req ViewerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.streams.LeaveStream(r.Context(), chi.URLParam(r, "id"), req.Viewer); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMessages returns the chat transcript, oldest first
func (h *StreamHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.streams.GetChatMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *StreamHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SenderAddress == "" {
		req.SenderAddress = observability.WalletAddress(r.Context())
	}

	msg, err := h.streams.SendMessage(r.Context(), chi.URLParam(r, "id"), req.Sender, req.Message, req.SenderAddress)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeServiceError maps facade errors onto HTTP statuses
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrStreamNotFound):
		writeError(w, http.StatusNotFound, "Stream not found")
	default:
		observability.FromContext(r.Context()).Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
