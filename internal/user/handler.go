// Package user implements account registration, login, profile
// management, and per-user tool configuration.
package user

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/info-rubbish/meichu2025/internal/api/respond"
	"github.com/info-rubbish/meichu2025/internal/auth"
	"github.com/info-rubbish/meichu2025/internal/engine"
	"github.com/info-rubbish/meichu2025/internal/store"
	"github.com/info-rubbish/meichu2025/internal/tools"
	"github.com/info-rubbish/meichu2025/pkg/logging"
)

// Handler handles HTTP requests for accounts.
type Handler struct {
	store    *store.Store
	tokens   *auth.Tokens
	registry *tools.Registry
	logger   *logging.Logger
}

func NewHandler(s *store.Store, tokens *auth.Tokens, registry *tools.Registry, logger *logging.Logger) *Handler {
	return &Handler{store: s, tokens: tokens, registry: registry, logger: logger}
}

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || len(req.Password) < 8 {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "email and a password of at least 8 characters are required")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Email
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("hash password", "error", err)
		respond.Error(w, err)
		return
	}
	u, err := h.store.CreateUser(r.Context(), req.Email, hash, req.DisplayName)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			respond.Fail(w, http.StatusConflict, engine.CodeValidation, "email already registered")
			return
		}
		h.logger.Error("create user", "error", err)
		respond.Error(w, err)
		return
	}

	token, err := h.tokens.Mint(u.ID)
	if err != nil {
		h.logger.Error("mint token", "error", err)
		respond.Error(w, err)
		return
	}
	h.logger.Info("user registered", "user_id", u.ID)
	respond.JSON(w, http.StatusCreated, sessionResponse{Token: token, User: u})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	u, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		// Unknown email and bad password read the same.
		respond.Fail(w, http.StatusUnauthorized, engine.CodeAuth, "invalid credentials")
		return
	}
	if !auth.CheckPassword(u.PasswordHash, req.Password) {
		respond.Fail(w, http.StatusUnauthorized, engine.CodeAuth, "invalid credentials")
		return
	}

	token, err := h.tokens.Mint(u.ID)
	if err != nil {
		h.logger.Error("mint token", "error", err)
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sessionResponse{Token: token, User: u})
}

// Profile handles GET /api/user.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	u, err := h.store.GetUser(r.Context(), userID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

// UpdateProfile handles PATCH /api/user.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "invalid request body")
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "display_name is required")
		return
	}
	if err := h.store.UpdateUser(r.Context(), userID, req.DisplayName); err != nil {
		respond.Error(w, err)
		return
	}
	u, err := h.store.GetUser(r.Context(), userID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

type toolStatus struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Configurable bool   `json:"configurable"`
	Configured   bool   `json:"configured"`
}

// ListTools handles GET /api/user/tools. It reports every registered
// tool and whether the user has configured it.
func (h *Handler) ListTools(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	configured, err := h.store.ListToolConfigs(r.Context(), userID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	has := map[string]bool{}
	for _, name := range configured {
		has[name] = true
	}

	out := []toolStatus{}
	for _, t := range h.registry.All() {
		out = append(out, toolStatus{
			Name:         t.Name(),
			Description:  t.Description(),
			Configurable: t.ConfigSchema() != nil,
			Configured:   has[t.Name()],
		})
	}
	respond.JSON(w, http.StatusOK, out)
}

// PutToolConfig handles PUT /api/user/tools/{name}. The body is the
// tool's configuration blob, validated against its schema.
func (h *Handler) PutToolConfig(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	name := chi.URLParam(r, "name")

	var config json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "invalid request body")
		return
	}
	if err := h.registry.ValidateConfig(name, config); err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			respond.Fail(w, http.StatusNotFound, engine.CodeNotFound, "unknown tool")
			return
		}
		respond.Error(w, err)
		return
	}
	if err := h.store.SetToolConfig(r.Context(), userID, name, string(config)); err != nil {
		respond.Error(w, err)
		return
	}
	h.logger.Info("tool configured", "user_id", userID, "tool", name)
	w.WriteHeader(http.StatusNoContent)
}
