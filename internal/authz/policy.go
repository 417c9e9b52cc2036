// Package authz holds the capability checks for caller actions, so policy
// can be tested independently of HTTP transport.
package authz

import (
	"errors"

	"github.com/google/uuid"

	"github.com/reelforge/backend/internal/models"
)

// ErrPermissionDenied is returned when the caller lacks the capability for
// the requested action.
var ErrPermissionDenied = errors.New("permission denied")

// Caller identifies an authenticated account.
type Caller struct {
	ID   uuid.UUID
	Role string
}

type Action string

const (
	// ActionReadBalance covers balance and transaction-history reads.
	ActionReadBalance Action = "billing.read_balance"
	// ActionGrantCredits appends positive ledger rows on any account.
	ActionGrantCredits Action = "billing.grant_credits"
	// ActionAccessRender covers reading or rendering a project's jobs.
	ActionAccessRender Action = "renders.access"
)

// Authorize decides whether caller may perform action on a resource owned by
// resourceOwner. Owners can always act on their own resources; admin roles
// can act on anyone's.
func Authorize(caller Caller, action Action, resourceOwner uuid.UUID) error {
	switch action {
	case ActionReadBalance, ActionAccessRender:
		if caller.ID == resourceOwner || models.IsAdmin(caller.Role) {
			return nil
		}
		return ErrPermissionDenied
	case ActionGrantCredits:
		if models.IsAdmin(caller.Role) {
			return nil
		}
		return ErrPermissionDenied
	default:
		return ErrPermissionDenied
	}
}
