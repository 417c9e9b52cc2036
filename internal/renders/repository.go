package renders

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

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, job *models.RenderJob) error {
	return tx.QueryRow(ctx, `
		INSERT INTO render_jobs (project_id, user_id, composition, input_props, status, cost_credits, estimated_completion)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, progress, created_at, updated_at
	`, job.ProjectID, job.UserID, job.Composition, job.InputProps, job.Status, job.CostCredits, job.EstimatedCompletion).
		Scan(&job.ID, &job.Progress, &job.CreatedAt, &job.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.RenderJob, error) {
	var job models.RenderJob
	err := r.pool.QueryRow(ctx, `
		SELECT id, project_id, user_id, composition, input_props, status, progress,
			cost_credits, output_url, error_message, estimated_completion, completed_at,
			created_at, updated_at
		FROM render_jobs WHERE id = $1
	`, id).Scan(&job.ID, &job.ProjectID, &job.UserID, &job.Composition, &job.InputProps,
		&job.Status, &job.Progress, &job.CostCredits, &job.OutputURL, &job.ErrorMessage,
		&job.EstimatedCompletion, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Repository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.RenderJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, user_id, composition, input_props, status, progress,
			cost_credits, output_url, error_message, estimated_completion, completed_at,
			created_at, updated_at
		FROM render_jobs WHERE project_id = $1 ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.RenderJob
	for rows.Next() {
		var job models.RenderJob
		if err := rows.Scan(&job.ID, &job.ProjectID, &job.UserID, &job.Composition, &job.InputProps,
			&job.Status, &job.Progress, &job.CostCredits, &job.OutputURL, &job.ErrorMessage,
			&job.EstimatedCompletion, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &job)
	}
	return list, rows.Err()
}

// UpdateProgress bumps progress on a live render. Terminal rows are left
// untouched; the bool reports whether a row changed.
func (r *Repository) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, estimatedCompletion *time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE render_jobs
		SET status = $2, progress = $3, estimated_completion = COALESCE($4, estimated_completion), updated_at = now()
		WHERE id = $1 AND status NOT IN ($5, $6)
	`, id, models.RenderStatusProcessing, progress, estimatedCompletion,
		models.RenderStatusCompleted, models.RenderStatusFailed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE render_jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.RenderStatusProcessing, models.RenderStatusQueued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompleted finalizes a render exactly once. A second success event for
// the same render matches zero rows and returns false. Runs in the caller's
// transaction so the project mirror commits or rolls back with it.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID, outputURL string, completedAt time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE render_jobs
		SET status = $2, progress = 100, output_url = $3, completed_at = $4, updated_at = now()
		WHERE id = $1 AND status NOT IN ($2, $5)
	`, id, models.RenderStatusCompleted, outputURL, completedAt, models.RenderStatusFailed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, errorMessage string, completedAt time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE render_jobs
		SET status = $2, error_message = $3, completed_at = $4, updated_at = now()
		WHERE id = $1 AND status NOT IN ($2, $5)
	`, id, models.RenderStatusFailed, errorMessage, completedAt, models.RenderStatusCompleted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListStuck returns live renders whose last update is older than the cutoff.
func (r *Repository) ListStuck(ctx context.Context, cutoff time.Time) ([]*models.RenderJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, user_id, composition, input_props, status, progress,
			cost_credits, output_url, error_message, estimated_completion, completed_at,
			created_at, updated_at
		FROM render_jobs
		WHERE status IN ($1, $2) AND updated_at < $3
	`, models.RenderStatusQueued, models.RenderStatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.RenderJob
	for rows.Next() {
		var job models.RenderJob
		if err := rows.Scan(&job.ID, &job.ProjectID, &job.UserID, &job.Composition, &job.InputProps,
			&job.Status, &job.Progress, &job.CostCredits, &job.OutputURL, &job.ErrorMessage,
			&job.EstimatedCompletion, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &job)
	}
	return list, rows.Err()
}
