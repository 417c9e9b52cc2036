package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
)

type BalanceReader interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
}

// RenderCostFunc resolves the credit cost of rendering a project. known is
// false when the project or its composition cannot be priced here; the
// handler will produce the real error.
type RenderCostFunc func(ctx context.Context, projectID uuid.UUID) (cost int64, known bool, err error)

// CreditPreCheck peeks at a render request's project and rejects callers
// whose balance cannot cover its cost before any work is enqueued. The ledger
// itself remains the source of truth; the deduction inside the render
// transaction still re-checks under lock.
func CreditPreCheck(balances BalanceReader, costOf RenderCostFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFromCtx(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing credentials")
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var peek struct {
				ProjectID uuid.UUID `json:"project_id"`
			}
			if err := json.Unmarshal(body, &peek); err != nil || peek.ProjectID == uuid.Nil {
				// Malformed body is the handler's problem.
				next.ServeHTTP(w, r)
				return
			}
			cost, known, err := costOf(r.Context(), peek.ProjectID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if !known {
				next.ServeHTTP(w, r)
				return
			}
			balance, err := balances.Balance(r.Context(), caller.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if balance < cost {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusPaymentRequired)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"success":         false,
					"error":           "Insufficient funds",
					"current_balance": balance,
					"required":        cost,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
