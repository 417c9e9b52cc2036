package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Credit transaction_type enums. The ledger is append-only: rows are inserted
// once and never updated or deleted; the balance row is maintained by a
// database trigger that folds rows as they land.
const (
	CreditTxSignupBonus = "signup_bonus"
	CreditTxDeduction   = "deduction"
	CreditTxGrant       = "grant"
	CreditTxRefund      = "refund"
)

type CreditTransaction struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	Amount          int64           `json:"amount"`
	TransactionType string          `json:"transaction_type"`
	Description     string          `json:"description"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
