package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/reelforge/backend/internal/authz"
)

type ctxKey int

const callerKey ctxKey = 0

// TokenValidator resolves a bearer token to the account id and role it identifies.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

func WithCaller(ctx context.Context, caller authz.Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

func CallerFromCtx(ctx context.Context) (authz.Caller, bool) {
	caller, ok := ctx.Value(callerKey).(authz.Caller)
	return caller, ok
}

// RequireAuth rejects requests without a valid bearer token and stashes the
// caller in the request context for downstream handlers.
func RequireAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			id, role, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			caller := authz.Caller{ID: id, Role: role}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
