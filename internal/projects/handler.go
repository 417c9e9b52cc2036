package projects

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelforge/backend/internal/authz"
	"github.com/reelforge/backend/internal/compositions"
	"github.com/reelforge/backend/internal/middleware"
	"github.com/reelforge/backend/internal/models"
)

type Store interface {
	Create(ctx context.Context, p *models.VideoProject) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoProject, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.VideoProject, error)
	UpdateDetails(ctx context.Context, p *models.VideoProject) error
}

type Handler struct {
	store     Store
	validator *compositions.Validator
	logger    *slog.Logger
}

func NewHandler(store Store, validator *compositions.Validator, logger *slog.Logger) *Handler {
	return &Handler{store: store, validator: validator, logger: logger}
}

type projectRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Composition string          `json:"composition"`
	InputProps  json.RawMessage `json:"input_props"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" || req.Composition == "" {
		writeError(w, http.StatusBadRequest, "title and composition are required")
		return
	}
	if err := h.validator.ValidateInput(req.Composition, req.InputProps); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := &models.VideoProject{
		OwnerID:     caller.ID,
		Title:       req.Title,
		Description: req.Description,
		Composition: req.Composition,
		InputProps:  req.InputProps,
	}
	if err := h.store.Create(r.Context(), p); err != nil {
		h.logger.Error("create project", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	p, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		h.logger.Error("get project", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := authz.Authorize(caller, authz.ActionAccessRender, p.OwnerID); err != nil {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	list, err := h.store.ListByOwner(r.Context(), caller.ID)
	if err != nil {
		h.logger.Error("list projects", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []*models.VideoProject{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": list})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	p, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		h.logger.Error("get project", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := authz.Authorize(caller, authz.ActionAccessRender, p.OwnerID); err != nil {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title != "" {
		p.Title = req.Title
	}
	if req.Description != "" {
		p.Description = req.Description
	}
	if req.Composition != "" {
		p.Composition = req.Composition
	}
	if len(req.InputProps) > 0 {
		if err := h.validator.ValidateInput(p.Composition, req.InputProps); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p.InputProps = req.InputProps
	}
	if err := h.store.UpdateDetails(r.Context(), p); err != nil {
		h.logger.Error("update project", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
