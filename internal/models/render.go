package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RenderJob status enums. completed and failed are terminal: once reached,
// webhook deliveries for the job become no-ops.
const (
	RenderStatusQueued     = "queued"
	RenderStatusProcessing = "processing"
	RenderStatusCompleted  = "completed"
	RenderStatusFailed     = "failed"
)

// RenderTerminal reports whether status is a terminal render state.
func RenderTerminal(status string) bool {
	return status == RenderStatusCompleted || status == RenderStatusFailed
}

type RenderJob struct {
	ID                  uuid.UUID       `json:"id"`
	ProjectID           uuid.UUID       `json:"project_id"`
	UserID              uuid.UUID       `json:"user_id"`
	Composition         string          `json:"composition"`
	InputProps          json.RawMessage `json:"input_props,omitempty"`
	Status              string          `json:"status"`
	Progress            int             `json:"progress"`
	CostCredits         int64           `json:"cost_credits"`
	OutputURL           *string         `json:"output_url,omitempty"`
	ErrorMessage        *string         `json:"error_message,omitempty"`
	EstimatedCompletion *time.Time      `json:"estimated_completion,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}
