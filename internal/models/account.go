package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles. Cross-user balance reads and credit grants require admin or above.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsAdmin reports whether the role grants administrative access.
func IsAdmin(role string) bool {
	return role == RoleAdmin || role == RoleSuperAdmin
}
