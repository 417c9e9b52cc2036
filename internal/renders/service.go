package renders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelforge/backend/internal/authz"
	"github.com/reelforge/backend/internal/billing"
	"github.com/reelforge/backend/internal/compositions"
	"github.com/reelforge/backend/internal/metrics"
	"github.com/reelforge/backend/internal/models"
)

// ErrUnknownRender is returned for webhook events whose render/project pair
// does not match any job we created.
var ErrUnknownRender = errors.New("unknown render")

// ErrProjectNotFound is returned when a render is requested for a project
// that does not exist.
var ErrProjectNotFound = errors.New("project not found")

// RenderStore is the render job repository surface the service needs.
type RenderStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, tx pgx.Tx, job *models.RenderJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.RenderJob, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.RenderJob, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, estimatedCompletion *time.Time) (bool, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID, outputURL string, completedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, errorMessage string, completedAt time.Time) (bool, error)
	ListStuck(ctx context.Context, cutoff time.Time) ([]*models.RenderJob, error)
}

// ProjectStore is the slice of the projects repository the render lifecycle touches.
type ProjectStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoProject, error)
	SetRenderOutcome(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, videoURL *string, completedAt time.Time) error
}

// AssetStore relocates a rendered asset from the render cloud's bucket into
// our own storage, returning the public URL of the copy.
type AssetStore interface {
	Relocate(ctx context.Context, sourceURL, objectKey string) (string, error)
}

// InsertRenderTxFunc enqueues the render submission job in the caller's
// transaction. Wired in main after the job client exists.
type InsertRenderTxFunc func(ctx context.Context, tx pgx.Tx, renderID, projectID, userID uuid.UUID) error

// ProgressEvent is a render cloud progress callback.
type ProgressEvent struct {
	RenderID           uuid.UUID
	ProjectID          uuid.UUID
	Progress           int
	EstimatedRemaining time.Duration
}

// SuccessEvent is a render cloud completion callback.
type SuccessEvent struct {
	RenderID   uuid.UUID
	ProjectID  uuid.UUID
	BucketName string
	OutputFile string
	OutputURL  string
}

// ErrorEvent is a render cloud failure callback.
type ErrorEvent struct {
	RenderID  uuid.UUID
	ProjectID uuid.UUID
	Message   string
}

type Service interface {
	RequestRender(ctx context.Context, caller authz.Caller, projectID uuid.UUID) (*models.RenderJob, error)
	GetRender(ctx context.Context, caller authz.Caller, renderID uuid.UUID) (*models.RenderJob, error)
	ListProjectRenders(ctx context.Context, caller authz.Caller, projectID uuid.UUID) ([]*models.RenderJob, error)

	HandleProgress(ctx context.Context, evt ProgressEvent) error
	HandleSuccess(ctx context.Context, evt SuccessEvent) error
	HandleError(ctx context.Context, evt ErrorEvent) error

	// RenderPayload, MarkRenderProcessing, and MarkRenderFailed are called by
	// the submission worker around the render cloud round trip.
	RenderPayload(ctx context.Context, renderID uuid.UUID) (string, json.RawMessage, error)
	MarkRenderProcessing(ctx context.Context, renderID uuid.UUID) error
	MarkRenderFailed(ctx context.Context, renderID uuid.UUID, reason string) error

	// FailStuckRenders fails live renders with no update since the cutoff.
	FailStuckRenders(ctx context.Context, grace time.Duration) (int, error)
}

type service struct {
	renders   RenderStore
	projects  ProjectStore
	billing   billing.Service
	validator *compositions.Validator
	assets    AssetStore
	insertFn  InsertRenderTxFunc
	logger    *slog.Logger
}

func NewService(renders RenderStore, projects ProjectStore, billingSvc billing.Service,
	validator *compositions.Validator, assets AssetStore, insertFn InsertRenderTxFunc, logger *slog.Logger) Service {
	return &service{
		renders:   renders,
		projects:  projects,
		billing:   billingSvc,
		validator: validator,
		assets:    assets,
		insertFn:  insertFn,
		logger:    logger,
	}
}

var _ Service = (*service)(nil)

func (s *service) RequestRender(ctx context.Context, caller authz.Caller, projectID uuid.UUID) (*models.RenderJob, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if err := authz.Authorize(caller, authz.ActionAccessRender, project.OwnerID); err != nil {
		return nil, err
	}
	spec := s.validator.Spec(project.Composition)
	if spec == nil {
		return nil, fmt.Errorf("%w: %q", compositions.ErrUnknownComposition, project.Composition)
	}
	if err := s.validator.ValidateInput(project.Composition, project.InputProps); err != nil {
		return nil, err
	}

	estimated := time.Now().UTC().Add(spec.EstimatedDuration())
	job := &models.RenderJob{
		ProjectID:           project.ID,
		UserID:              project.OwnerID,
		Composition:         project.Composition,
		InputProps:          project.InputProps,
		Status:              models.RenderStatusQueued,
		CostCredits:         spec.CreditCost,
		EstimatedCompletion: &estimated,
	}

	tx, err := s.renders.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin render tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.renders.Create(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("create render job: %w", err)
	}
	meta, _ := json.Marshal(map[string]string{
		"render_id":  job.ID.String(),
		"project_id": project.ID.String(),
	})
	if err := s.billing.DeductInTx(ctx, tx, project.OwnerID, spec.CreditCost, "render:"+project.Composition, meta); err != nil {
		return nil, err
	}
	if err := s.insertFn(ctx, tx, job.ID, project.ID, project.OwnerID); err != nil {
		return nil, fmt.Errorf("enqueue render submission: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit render tx: %w", err)
	}
	metrics.RendersRequested.Inc()
	s.logger.Info("render requested",
		"render_id", job.ID, "project_id", project.ID, "composition", project.Composition, "cost", spec.CreditCost)
	return job, nil
}

func (s *service) GetRender(ctx context.Context, caller authz.Caller, renderID uuid.UUID) (*models.RenderJob, error) {
	job, err := s.renders.GetByID(ctx, renderID)
	if err != nil {
		return nil, err
	}
	if err := authz.Authorize(caller, authz.ActionAccessRender, job.UserID); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *service) ListProjectRenders(ctx context.Context, caller authz.Caller, projectID uuid.UUID) ([]*models.RenderJob, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := authz.Authorize(caller, authz.ActionAccessRender, project.OwnerID); err != nil {
		return nil, err
	}
	return s.renders.ListByProject(ctx, projectID)
}

// lookup verifies the event's render/project pair against our records.
func (s *service) lookup(ctx context.Context, renderID, projectID uuid.UUID) (*models.RenderJob, error) {
	job, err := s.renders.GetByID(ctx, renderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownRender
	}
	if err != nil {
		return nil, fmt.Errorf("load render %s: %w", renderID, err)
	}
	if job.ProjectID != projectID {
		return nil, ErrUnknownRender
	}
	return job, nil
}

func (s *service) HandleProgress(ctx context.Context, evt ProgressEvent) error {
	if _, err := s.lookup(ctx, evt.RenderID, evt.ProjectID); err != nil {
		return err
	}
	progress := evt.Progress
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	var estimated *time.Time
	if evt.EstimatedRemaining > 0 {
		t := time.Now().UTC().Add(evt.EstimatedRemaining)
		estimated = &t
	}
	updated, err := s.renders.UpdateProgress(ctx, evt.RenderID, progress, estimated)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if !updated {
		// Late progress for an already terminal render. Ack and drop.
		s.logger.Debug("progress after terminal state ignored", "render_id", evt.RenderID)
		return nil
	}
	metrics.WebhookEvents.WithLabelValues("progress", "applied").Inc()
	return nil
}

func (s *service) HandleSuccess(ctx context.Context, evt SuccessEvent) error {
	job, err := s.lookup(ctx, evt.RenderID, evt.ProjectID)
	if err != nil {
		return err
	}

	outputURL := s.relocate(ctx, job, evt)
	completedAt := time.Now().UTC()

	// One transaction for the terminal update and the project mirror: a
	// mirror failure rolls the status back, so the sender's retry is not a
	// zero-rows "duplicate" against half-applied state.
	tx, err := s.renders.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin success tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := s.renders.MarkCompleted(ctx, tx, evt.RenderID, outputURL, completedAt)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if !updated {
		// Duplicate delivery; the first one already finalized the render
		// and its mirror together.
		s.logger.Info("duplicate success event ignored", "render_id", evt.RenderID)
		metrics.WebhookEvents.WithLabelValues("success", "duplicate").Inc()
		return nil
	}
	if err := s.projects.SetRenderOutcome(ctx, tx, job.ProjectID, models.ProjectRenderCompleted, &outputURL, completedAt); err != nil {
		return fmt.Errorf("mirror render outcome: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit success tx: %w", err)
	}
	metrics.WebhookEvents.WithLabelValues("success", "applied").Inc()
	s.logger.Info("render completed", "render_id", evt.RenderID, "project_id", job.ProjectID, "output_url", outputURL)
	return nil
}

// relocate copies the rendered asset into our storage. Relocation failures
// fall back to the render cloud's URL so a finished video is never lost.
func (s *service) relocate(ctx context.Context, job *models.RenderJob, evt SuccessEvent) string {
	if s.assets == nil || evt.OutputURL == "" || evt.BucketName == "" {
		return evt.OutputURL
	}
	name := evt.OutputFile
	if name == "" {
		name = evt.RenderID.String() + ".mp4"
	}
	key := path.Join("renders", job.UserID.String(), path.Base(name))
	url, err := s.assets.Relocate(ctx, evt.OutputURL, key)
	if err != nil {
		s.logger.Warn("asset relocation failed, keeping source url",
			"render_id", evt.RenderID, "source", evt.OutputURL, "error", err)
		return evt.OutputURL
	}
	return url
}

func (s *service) HandleError(ctx context.Context, evt ErrorEvent) error {
	job, err := s.lookup(ctx, evt.RenderID, evt.ProjectID)
	if err != nil {
		return err
	}
	msg := evt.Message
	if msg == "" {
		msg = "render failed"
	}
	if err := s.fail(ctx, job, msg); err != nil {
		return err
	}
	metrics.WebhookEvents.WithLabelValues("error", "applied").Inc()
	return nil
}

// fail transitions a render to failed, mirrors the outcome, and refunds the
// charge, all in one transaction: if any step fails, the status rolls back
// and the next attempt runs the whole thing again. Already-terminal renders
// are acked no-ops.
func (s *service) fail(ctx context.Context, job *models.RenderJob, reason string) error {
	completedAt := time.Now().UTC()
	tx, err := s.renders.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := s.renders.MarkFailed(ctx, tx, job.ID, reason, completedAt)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if !updated {
		s.logger.Info("duplicate error event ignored", "render_id", job.ID)
		return nil
	}
	if err := s.projects.SetRenderOutcome(ctx, tx, job.ProjectID, models.ProjectRenderFailed, nil, completedAt); err != nil {
		return fmt.Errorf("mirror render outcome: %w", err)
	}
	meta, _ := json.Marshal(map[string]string{"render_id": job.ID.String()})
	if err := s.billing.RefundInTx(ctx, tx, job.UserID, job.CostCredits, "refund: failed render", meta); err != nil {
		return fmt.Errorf("refund failed render: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}
	s.logger.Info("render failed", "render_id", job.ID, "project_id", job.ProjectID, "reason", reason)
	return nil
}

func (s *service) RenderPayload(ctx context.Context, renderID uuid.UUID) (string, json.RawMessage, error) {
	job, err := s.renders.GetByID(ctx, renderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, ErrUnknownRender
	}
	if err != nil {
		return "", nil, err
	}
	return job.Composition, job.InputProps, nil
}

func (s *service) MarkRenderProcessing(ctx context.Context, renderID uuid.UUID) error {
	_, err := s.renders.MarkProcessing(ctx, renderID)
	return err
}

func (s *service) MarkRenderFailed(ctx context.Context, renderID uuid.UUID, reason string) error {
	job, err := s.renders.GetByID(ctx, renderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownRender
	}
	if err != nil {
		return err
	}
	return s.fail(ctx, job, reason)
}

func (s *service) FailStuckRenders(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-grace)
	stuck, err := s.renders.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stuck renders: %w", err)
	}
	failed := 0
	for _, job := range stuck {
		if err := s.fail(ctx, job, "render timed out"); err != nil {
			s.logger.Error("fail stuck render", "render_id", job.ID, "error", err)
			continue
		}
		failed++
	}
	return failed, nil
}
