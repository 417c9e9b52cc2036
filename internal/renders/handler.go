package renders

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelforge/backend/internal/authz"
	"github.com/reelforge/backend/internal/billing"
	"github.com/reelforge/backend/internal/compositions"
	"github.com/reelforge/backend/internal/middleware"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type createRenderRequest struct {
	ProjectID uuid.UUID `json:"project_id"`
}

// Create handles POST /api/v1/renders.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req createRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	job, err := h.service.RequestRender(r.Context(), caller, req.ProjectID)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// Get handles GET /api/v1/renders/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid render id")
		return
	}
	job, err := h.service.GetRender(r.Context(), caller, id)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "render not found")
		return
	}
	if errors.Is(err, authz.ErrPermissionDenied) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err != nil {
		h.logger.Error("get render", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListForProject handles GET /api/v1/projects/{id}/renders.
func (h *Handler) ListForProject(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	projectID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	jobs, err := h.service.ListProjectRenders(r.Context(), caller, projectID)
	if errors.Is(err, ErrProjectNotFound) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if errors.Is(err, authz.ErrPermissionDenied) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err != nil {
		h.logger.Error("list renders", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"renders": jobs})
}

func (h *Handler) writeRequestError(w http.ResponseWriter, err error) {
	var insufficient *billing.InsufficientFundsError
	switch {
	case errors.Is(err, ErrProjectNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, authz.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, compositions.ErrUnknownComposition),
		errors.Is(err, compositions.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"success":         false,
			"error":           "Insufficient funds",
			"current_balance": insufficient.CurrentBalance,
			"required":        insufficient.Required,
		})
	default:
		h.logger.Error("request render", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// webhookPayload is the render cloud's callback body.
type webhookPayload struct {
	Type                   string        `json:"type"`
	RenderID               string        `json:"renderId"`
	BucketName             string        `json:"bucketName"`
	OutputFile             string        `json:"outputFile"`
	OutputURL              string        `json:"outputUrl"`
	Progress               *float64      `json:"progress"`
	EstimatedTimeRemaining float64       `json:"estimatedTimeRemaining"`
	ErrorMessage           string        `json:"errorMessage"`
	CustomData             webhookCustom `json:"customData"`
}

type webhookCustom struct {
	RenderID  string `json:"render_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
}

// Webhook handles POST /render-webhook. The shared-secret check runs in
// middleware before this; by the time we are here the sender is trusted.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.CustomData.RenderID == "" || payload.CustomData.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "customData must include render_id and project_id")
		return
	}
	renderID, err := uuid.Parse(payload.CustomData.RenderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid render_id")
		return
	}
	projectID, err := uuid.Parse(payload.CustomData.ProjectID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project_id")
		return
	}

	switch payload.Type {
	case "progress":
		err = h.service.HandleProgress(r.Context(), ProgressEvent{
			RenderID:           renderID,
			ProjectID:          projectID,
			Progress:           progressPercent(payload.Progress),
			EstimatedRemaining: time.Duration(payload.EstimatedTimeRemaining * float64(time.Second)),
		})
	case "success":
		err = h.service.HandleSuccess(r.Context(), SuccessEvent{
			RenderID:   renderID,
			ProjectID:  projectID,
			BucketName: payload.BucketName,
			OutputFile: payload.OutputFile,
			OutputURL:  payload.OutputURL,
		})
	case "error":
		err = h.service.HandleError(r.Context(), ErrorEvent{
			RenderID:  renderID,
			ProjectID: projectID,
			Message:   payload.ErrorMessage,
		})
	default:
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	if errors.Is(err, ErrUnknownRender) {
		writeError(w, http.StatusBadRequest, "unknown render")
		return
	}
	if err != nil {
		h.logger.Error("webhook event", "type", payload.Type, "render_id", renderID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// progressPercent converts the render cloud's progress value to our 0..100
// scale. The cloud reports a 0..1 fraction (1 means a render is finished, so
// it is always scaled, never read as 1%); out-of-range values are clamped by
// the service.
func progressPercent(p *float64) int {
	if p == nil {
		return 0
	}
	return int(math.Round(*p * 100))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
