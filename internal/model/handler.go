// Package model exposes the model catalog.
package model

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/info-rubbish/meichu2025/internal/api/respond"
	"github.com/info-rubbish/meichu2025/internal/engine"
	"github.com/info-rubbish/meichu2025/internal/store"
	"github.com/info-rubbish/meichu2025/pkg/logging"
)

// Handler handles HTTP requests for the model catalog.
type Handler struct {
	store  *store.Store
	logger *logging.Logger
}

func NewHandler(s *store.Store, logger *logging.Logger) *Handler {
	return &Handler{store: s, logger: logger}
}

// List handles GET /api/model.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	models, err := h.store.ListModels(r.Context())
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, models)
}

// Get handles GET /api/model/{modelID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetModel(r.Context(), chi.URLParam(r, "modelID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, m)
}

type putModelRequest struct {
	DisplayName  string   `json:"display_name"`
	UpstreamSlug string   `json:"upstream_slug"`
	Capabilities []string `json:"capabilities"`
}

// Put handles PUT /api/model/{modelID}, creating or replacing a
// catalog entry.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "modelID")

	var req putModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "invalid request body")
		return
	}
	if req.DisplayName == "" || req.UpstreamSlug == "" {
		respond.Fail(w, http.StatusBadRequest, engine.CodeValidation, "display_name and upstream_slug are required")
		return
	}

	m := store.Model{
		ID:           id,
		DisplayName:  req.DisplayName,
		UpstreamSlug: req.UpstreamSlug,
		Capabilities: req.Capabilities,
	}
	if err := h.store.UpsertModel(r.Context(), m); err != nil {
		h.logger.Error("upsert model failed", "model_id", id, "error", err)
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, m)
}
