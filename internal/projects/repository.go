package projects

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelforge/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, p *models.VideoProject) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO video_projects (owner_id, title, description, composition, input_props)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, render_status, created_at, updated_at
	`, p.OwnerID, p.Title, p.Description, p.Composition, p.InputProps).
		Scan(&p.ID, &p.RenderStatus, &p.CreatedAt, &p.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.VideoProject, error) {
	var p models.VideoProject
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, title, description, composition, input_props,
			render_status, rendered_video_url, render_completed_at, created_at, updated_at
		FROM video_projects WHERE id = $1
	`, id).Scan(&p.ID, &p.OwnerID, &p.Title, &p.Description, &p.Composition, &p.InputProps,
		&p.RenderStatus, &p.RenderedVideoURL, &p.RenderCompletedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.VideoProject, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, title, description, composition, input_props,
			render_status, rendered_video_url, render_completed_at, created_at, updated_at
		FROM video_projects WHERE owner_id = $1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.VideoProject
	for rows.Next() {
		var p models.VideoProject
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Description, &p.Composition, &p.InputProps,
			&p.RenderStatus, &p.RenderedVideoURL, &p.RenderCompletedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}

func (r *Repository) UpdateDetails(ctx context.Context, p *models.VideoProject) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE video_projects
		SET title = $2, description = $3, composition = $4, input_props = $5, updated_at = now()
		WHERE id = $1
	`, p.ID, p.Title, p.Description, p.Composition, p.InputProps)
	return err
}

// SetRenderOutcome mirrors a render job's terminal outcome onto the project.
// Runs in the caller's transaction, alongside the job's terminal update:
// either both land or neither does. rendered_video_url is only written when
// videoURL is non-nil so a failed render never clobbers a previously
// rendered asset.
func (r *Repository) SetRenderOutcome(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, videoURL *string, completedAt time.Time) error {
	if videoURL != nil {
		_, err := tx.Exec(ctx, `
			UPDATE video_projects
			SET render_status = $2, rendered_video_url = $3, render_completed_at = $4, updated_at = now()
			WHERE id = $1
		`, id, status, *videoURL, completedAt)
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE video_projects
		SET render_status = $2, render_completed_at = $3, updated_at = now()
		WHERE id = $1
	`, id, status, completedAt)
	return err
}
