package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// VideoProject render_status mirrors the owning RenderJob's terminal outcome
// only; progress updates never touch the project row.
const (
	ProjectRenderNone      = "none"
	ProjectRenderCompleted = "completed"
	ProjectRenderFailed    = "failed"
)

type VideoProject struct {
	ID                uuid.UUID       `json:"id"`
	OwnerID           uuid.UUID       `json:"owner_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Composition       string          `json:"composition"`
	InputProps        json.RawMessage `json:"input_props,omitempty"`
	RenderStatus      string          `json:"render_status"`
	RenderedVideoURL  *string         `json:"rendered_video_url,omitempty"`
	RenderCompletedAt *time.Time      `json:"render_completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
