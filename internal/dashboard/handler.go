// Package dashboard serves the account overview endpoints the web app's
// dashboard reads.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reelforge/backend/internal/middleware"
	"github.com/reelforge/backend/internal/models"
)

type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	UpdateDisplayName(ctx context.Context, id uuid.UUID, displayName string) error
}

type BalanceReader interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
}

type LedgerReader interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.CreditTransaction, error)
}

type Handler struct {
	accounts AccountStore
	balances BalanceReader
	ledger   LedgerReader
	logger   *slog.Logger
}

func NewHandler(accounts AccountStore, balances BalanceReader, ledger LedgerReader, logger *slog.Logger) *Handler {
	return &Handler{accounts: accounts, balances: balances, ledger: ledger, logger: logger}
}

type meResponse struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	Balance     int64     `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
}

// GetMe handles GET /api/v1/account/me.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	acc, err := h.accounts.GetByID(r.Context(), caller.ID)
	if err != nil {
		h.logger.Error("load account", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	balance, err := h.balances.Balance(r.Context(), caller.ID)
	if err != nil {
		h.logger.Error("load balance", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		ID:          acc.ID,
		Email:       acc.Email,
		DisplayName: acc.DisplayName,
		Role:        acc.Role,
		Balance:     balance,
		CreatedAt:   acc.CreatedAt,
	})
}

// UpdateSettings handles PATCH /api/v1/account/settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	if err := h.accounts.UpdateDisplayName(r.Context(), caller.ID, req.DisplayName); err != nil {
		h.logger.Error("update settings", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListCreditLedger handles GET /api/v1/credit-ledger.
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	balance, err := h.balances.Balance(r.Context(), caller.ID)
	if err != nil {
		h.logger.Error("load balance", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	txs, err := h.ledger.ListByUser(r.Context(), caller.ID)
	if err != nil {
		h.logger.Error("list transactions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if txs == nil {
		txs = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":      balance,
		"transactions": txs,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
