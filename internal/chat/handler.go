// Package chat implements conversation CRUD, message submission, and
// the per-user event stream.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/info-rubbish/meichu2025/internal/api/respond"
	"github.com/info-rubbish/meichu2025/internal/auth"
	"github.com/info-rubbish/meichu2025/internal/bus"
	"github.com/info-rubbish/meichu2025/internal/engine"
	"github.com/info-rubbish/meichu2025/internal/observability/metrics"
	"github.com/info-rubbish/meichu2025/internal/store"
	"github.com/info-rubbish/meichu2025/pkg/logging"
)

const defaultMessagePage = 200

// Conversations is the slice of the engine the handler drives.
type Conversations interface {
	StartTurn(ctx context.Context, userID, chatID, content string) (*store.Message, string, error)
	CancelTurn(ctx context.Context, userID, chatID string) error
}

// Handler handles HTTP requests for chats.
type Handler struct {
	store         *store.Store
	conversations Conversations
	bus           *bus.Bus
	logger        *logging.Logger
	streamMetrics *metrics.StreamMetrics
	heartbeat     time.Duration
}

func NewHandler(s *store.Store, conv Conversations, b *bus.Bus, logger *logging.Logger, sm *metrics.StreamMetrics, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{
		store:         s,
		conversations: conv,
		bus:           b,
		logger:        logger,
		streamMetrics: sm,
		heartbeat:     heartbeat,
	}
}

type createChatRequest struct {
	Title          string `json:"title"`
	ModelID        string `json:"model_id"`
	SystemTemplate string `json:"system_template"`
}

// Create handles POST /api/chat.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "invalid request body")
		return
	}
	if req.ModelID == "" {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "model_id is required")
		return
	}
	if req.Title == "" {
		req.Title = "New chat"
	}

	c, err := h.store.CreateChat(r.Context(), userID, req.Title, req.ModelID, req.SystemTemplate)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "unknown model: "+req.ModelID)
			return
		}
		respond.Error(w, err)
		return
	}
	h.logger.Info("chat created", "chat_id", c.ID, "user_id", userID, "model", req.ModelID)
	respond.JSON(w, http.StatusCreated, c)
}

// List handles GET /api/chat.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	chats, err := h.store.ListChats(r.Context(), userID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, chats)
}

// Get handles GET /api/chat/{chatID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedChat(w, r)
	if !ok {
		return
	}
	respond.JSON(w, http.StatusOK, c)
}

// Rename handles PATCH /api/chat/{chatID}.
func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedChat(w, r)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "title is required")
		return
	}
	if err := h.store.UpdateChatTitle(r.Context(), c.ID, req.Title); err != nil {
		respond.Error(w, err)
		return
	}
	c.Title = req.Title
	respond.JSON(w, http.StatusOK, c)
}

// Delete handles DELETE /api/chat/{chatID}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedChat(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteChat(r.Context(), c.ID); err != nil {
		respond.Error(w, err)
		return
	}
	h.logger.Info("chat deleted", "chat_id", c.ID)
	w.WriteHeader(http.StatusNoContent)
}

// Messages handles GET /api/chat/{chatID}/message.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedChat(w, r)
	if !ok {
		return
	}
	limit := defaultMessagePage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}
	msgs, truncated, err := h.store.LoadHistory(r.Context(), c.ID, limit)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"messages":  msgs,
		"truncated": truncated,
	})
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// PostMessage handles POST /api/chat/{chatID}/message. The turn runs
// asynchronously; progress arrives on the event stream.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	chatID := chi.URLParam(r, "chatID")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "invalid request body")
		return
	}

	msg, turnID, err := h.conversations.StartTurn(r.Context(), userID, chatID, req.Content)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusAccepted, map[string]any{
		"message": msg,
		"turn_id": turnID,
	})
}

// CancelTurn handles POST /api/chat/{chatID}/cancel.
func (h *Handler) CancelTurn(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	chatID := chi.URLParam(r, "chatID")
	if err := h.conversations.CancelTurn(r.Context(), userID, chatID); err != nil {
		respond.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedChat loads the chat and enforces ownership. A foreign chat reads
// the same as a missing one.
func (h *Handler) ownedChat(w http.ResponseWriter, r *http.Request) (*store.Chat, bool) {
	userID, _ := auth.UserID(r.Context())
	chatID := chi.URLParam(r, "chatID")
	c, err := h.store.GetChat(r.Context(), chatID)
	if err != nil || c.UserID != userID {
		respond.Fail(w, http.StatusNotFound, engine.CodeNotFound, "chat not found")
		return nil, false
	}
	return c, true
}
