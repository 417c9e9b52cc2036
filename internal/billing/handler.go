package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/reelforge/backend/internal/authz"
	"github.com/reelforge/backend/internal/models"
)

// engineRequest is the action envelope for POST /billing-engine.
type engineRequest struct {
	Action   string          `json:"action"`
	UserID   string          `json:"userId,omitempty"`
	Amount   int64           `json:"amount,omitempty"`
	Service  string          `json:"service,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// TokenValidator is the auth surface the handler needs.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type Handler struct {
	svc     Service
	authSvc TokenValidator
	log     *slog.Logger
}

func NewHandler(svc Service, authSvc TokenValidator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, authSvc: authSvc, log: log}
}

// Engine handles POST /billing-engine. Every response carries a success flag;
// insufficient funds is a structured 402, not a generic error.
func (h *Handler) Engine(w http.ResponseWriter, r *http.Request) {
	caller, err := h.callerFromRequest(r)
	if err != nil {
		writeEngine(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
		return
	}

	var req engineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEngine(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON"})
		return
	}

	switch req.Action {
	case "get_balance":
		h.getBalance(w, r, caller, req)
	case "deduct_credits":
		h.deductCredits(w, r, caller, req)
	case "grant_credits":
		h.grantCredits(w, r, caller, req)
	case "get_transactions":
		h.getTransactions(w, r, caller)
	default:
		writeEngine(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unknown action"})
	}
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request, caller authz.Caller, req engineRequest) {
	target := caller.ID
	if req.UserID != "" {
		id, err := uuid.Parse(req.UserID)
		if err != nil {
			writeEngine(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid userId"})
			return
		}
		target = id
	}
	balance, err := h.svc.GetBalance(r.Context(), caller, target)
	if err != nil {
		if errors.Is(err, authz.ErrPermissionDenied) {
			writeEngine(w, http.StatusForbidden, map[string]any{"success": false, "error": "permission denied"})
			return
		}
		h.log.Error("get balance failed", "target", target, "error", err)
		writeEngine(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeEngine(w, http.StatusOK, map[string]any{"success": true, "balance": balance})
}

func (h *Handler) deductCredits(w http.ResponseWriter, r *http.Request, caller authz.Caller, req engineRequest) {
	newBalance, err := h.svc.Deduct(r.Context(), caller, req.Amount, req.Service, req.Metadata)
	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			writeEngine(w, http.StatusPaymentRequired, map[string]any{
				"success":         false,
				"error":           "Insufficient funds",
				"current_balance": insufficient.CurrentBalance,
				"required":        insufficient.Required,
			})
			return
		}
		var invalid *InvalidArgumentError
		if errors.As(err, &invalid) {
			writeEngine(w, http.StatusBadRequest, map[string]any{"success": false, "error": invalid.Reason})
			return
		}
		h.log.Error("deduct credits failed", "user_id", caller.ID, "error", err)
		writeEngine(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeEngine(w, http.StatusOK, map[string]any{"success": true, "deducted": req.Amount, "new_balance": newBalance})
}

func (h *Handler) grantCredits(w http.ResponseWriter, r *http.Request, caller authz.Caller, req engineRequest) {
	target := caller.ID
	if req.UserID != "" {
		id, err := uuid.Parse(req.UserID)
		if err != nil {
			writeEngine(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid userId"})
			return
		}
		target = id
	}
	newBalance, err := h.svc.Grant(r.Context(), caller, target, req.Amount, req.Service)
	if err != nil {
		if errors.Is(err, authz.ErrPermissionDenied) {
			writeEngine(w, http.StatusForbidden, map[string]any{"success": false, "error": "permission denied"})
			return
		}
		var invalid *InvalidArgumentError
		if errors.As(err, &invalid) {
			writeEngine(w, http.StatusBadRequest, map[string]any{"success": false, "error": invalid.Reason})
			return
		}
		h.log.Error("grant credits failed", "target", target, "error", err)
		writeEngine(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeEngine(w, http.StatusOK, map[string]any{"success": true, "granted": req.Amount, "new_balance": newBalance})
}

func (h *Handler) getTransactions(w http.ResponseWriter, r *http.Request, caller authz.Caller) {
	list, err := h.svc.Transactions(r.Context(), caller)
	if err != nil {
		h.log.Error("list transactions failed", "user_id", caller.ID, "error", err)
		writeEngine(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if list == nil {
		list = []*models.CreditTransaction{}
	}
	writeEngine(w, http.StatusOK, map[string]any{"success": true, "transactions": list})
}

func (h *Handler) callerFromRequest(r *http.Request) (authz.Caller, error) {
	authHeader := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return authz.Caller{}, errors.New("missing bearer token")
	}
	token := strings.TrimSpace(authHeader[len(prefix):])
	if token == "" {
		return authz.Caller{}, errors.New("empty token")
	}
	id, role, err := h.authSvc.ValidateToken(r.Context(), token)
	if err != nil {
		return authz.Caller{}, err
	}
	return authz.Caller{ID: id, Role: role}, nil
}

func writeEngine(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
