package renders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reelforge/backend/internal/authz"
	"github.com/reelforge/backend/internal/models"
)

// --- noopTx satisfies pgx.Tx for test use. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// memTx stages writes and applies them on Commit, so a rolled-back
// transaction leaves the in-memory stores untouched like the real thing.
type memTx struct {
	noopTx
	ops []func()
}

func (t *memTx) Commit(context.Context) error {
	for _, op := range t.ops {
		op()
	}
	t.ops = nil
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.ops = nil
	return nil
}

func stage(tx pgx.Tx, op func()) {
	if t, ok := tx.(*memTx); ok {
		t.ops = append(t.ops, op)
		return
	}
	op()
}

// --- RenderStore mock ---

type mockRenderStore struct {
	jobs map[uuid.UUID]*models.RenderJob
}

func newMockRenderStore() *mockRenderStore {
	return &mockRenderStore{jobs: make(map[uuid.UUID]*models.RenderJob)}
}

func (m *mockRenderStore) Begin(context.Context) (pgx.Tx, error) { return &memTx{}, nil }

func (m *mockRenderStore) Create(_ context.Context, _ pgx.Tx, job *models.RenderJob) error {
	job.ID = uuid.New()
	m.jobs[job.ID] = job
	return nil
}

func (m *mockRenderStore) GetByID(_ context.Context, id uuid.UUID) (*models.RenderJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *job
	return &cp, nil
}

func (m *mockRenderStore) ListByProject(_ context.Context, projectID uuid.UUID) ([]*models.RenderJob, error) {
	var out []*models.RenderJob
	for _, j := range m.jobs {
		if j.ProjectID == projectID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *mockRenderStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int, estimated *time.Time) (bool, error) {
	job, ok := m.jobs[id]
	if !ok || models.RenderTerminal(job.Status) {
		return false, nil
	}
	job.Status = models.RenderStatusProcessing
	job.Progress = progress
	if estimated != nil {
		job.EstimatedCompletion = estimated
	}
	return true, nil
}

func (m *mockRenderStore) MarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	job, ok := m.jobs[id]
	if !ok || job.Status != models.RenderStatusQueued {
		return false, nil
	}
	job.Status = models.RenderStatusProcessing
	return true, nil
}

func (m *mockRenderStore) MarkCompleted(_ context.Context, tx pgx.Tx, id uuid.UUID, outputURL string, completedAt time.Time) (bool, error) {
	job, ok := m.jobs[id]
	if !ok || models.RenderTerminal(job.Status) {
		return false, nil
	}
	stage(tx, func() {
		job.Status = models.RenderStatusCompleted
		job.Progress = 100
		job.OutputURL = &outputURL
		job.CompletedAt = &completedAt
	})
	return true, nil
}

func (m *mockRenderStore) MarkFailed(_ context.Context, tx pgx.Tx, id uuid.UUID, errorMessage string, completedAt time.Time) (bool, error) {
	job, ok := m.jobs[id]
	if !ok || models.RenderTerminal(job.Status) {
		return false, nil
	}
	stage(tx, func() {
		job.Status = models.RenderStatusFailed
		job.ErrorMessage = &errorMessage
		job.CompletedAt = &completedAt
	})
	return true, nil
}

func (m *mockRenderStore) ListStuck(_ context.Context, cutoff time.Time) ([]*models.RenderJob, error) {
	var out []*models.RenderJob
	for _, j := range m.jobs {
		if !models.RenderTerminal(j.Status) && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}

// --- ProjectStore mock ---

type mockProjectStore struct {
	projects map[uuid.UUID]*models.VideoProject
}

func newMockProjectStore() *mockProjectStore {
	return &mockProjectStore{projects: make(map[uuid.UUID]*models.VideoProject)}
}

func (m *mockProjectStore) GetByID(_ context.Context, id uuid.UUID) (*models.VideoProject, error) {
	p, ok := m.projects[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return p, nil
}

func (m *mockProjectStore) SetRenderOutcome(_ context.Context, tx pgx.Tx, id uuid.UUID, status string, videoURL *string, completedAt time.Time) error {
	p, ok := m.projects[id]
	if !ok {
		return pgx.ErrNoRows
	}
	stage(tx, func() {
		p.RenderStatus = status
		if videoURL != nil {
			p.RenderedVideoURL = videoURL
		}
		p.RenderCompletedAt = &completedAt
	})
	return nil
}

// flakyProjectStore fails SetRenderOutcome a configured number of times
// before behaving, for exercising retried webhook deliveries.
type flakyProjectStore struct {
	*mockProjectStore
	failures int
}

func (f *flakyProjectStore) SetRenderOutcome(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, videoURL *string, completedAt time.Time) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("deadlock detected")
	}
	return f.mockProjectStore.SetRenderOutcome(ctx, tx, id, status, videoURL, completedAt)
}

// --- billing.Service stub (only Refund is used by the lifecycle paths) ---

type stubBilling struct {
	refunds []int64
}

func (s *stubBilling) GetBalance(context.Context, authz.Caller, uuid.UUID) (int64, error) {
	return 0, nil
}
func (s *stubBilling) Deduct(context.Context, authz.Caller, int64, string, json.RawMessage) (int64, error) {
	return 0, nil
}
func (s *stubBilling) Grant(context.Context, authz.Caller, uuid.UUID, int64, string) (int64, error) {
	return 0, nil
}
func (s *stubBilling) Transactions(context.Context, authz.Caller) ([]*models.CreditTransaction, error) {
	return nil, nil
}
func (s *stubBilling) DeductInTx(context.Context, pgx.Tx, uuid.UUID, int64, string, json.RawMessage) error {
	return nil
}
func (s *stubBilling) RefundInTx(_ context.Context, tx pgx.Tx, _ uuid.UUID, amount int64, _ string, _ json.RawMessage) error {
	stage(tx, func() { s.refunds = append(s.refunds, amount) })
	return nil
}
func (s *stubBilling) SignupBonus(context.Context, uuid.UUID) error { return nil }

// --- AssetStore stub ---

type stubAssets struct {
	url string
	err error
}

func (s *stubAssets) Relocate(context.Context, string, string) (string, error) {
	return s.url, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLifecycleService(store *mockRenderStore, projects *mockProjectStore, bill *stubBilling, assets AssetStore) Service {
	return NewService(store, projects, bill, nil, assets, nil, testLogger())
}

func seedRender(store *mockRenderStore, projects *mockProjectStore, status string) *models.RenderJob {
	project := &models.VideoProject{ID: uuid.New(), OwnerID: uuid.New(), RenderStatus: models.ProjectRenderNone}
	projects.projects[project.ID] = project
	job := &models.RenderJob{
		ID:          uuid.New(),
		ProjectID:   project.ID,
		UserID:      project.OwnerID,
		Status:      status,
		CostCredits: 5,
		UpdatedAt:   time.Now(),
	}
	store.jobs[job.ID] = job
	return job
}

func TestHandleProgressUnknownRender(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	svc := newLifecycleService(store, projects, &stubBilling{}, nil)

	err := svc.HandleProgress(context.Background(), ProgressEvent{
		RenderID:  uuid.New(),
		ProjectID: uuid.New(),
		Progress:  50,
	})
	if !errors.Is(err, ErrUnknownRender) {
		t.Fatalf("err = %v, want ErrUnknownRender", err)
	}
}

func TestHandleProgressMismatchedProject(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	svc := newLifecycleService(store, projects, &stubBilling{}, nil)
	job := seedRender(store, projects, models.RenderStatusProcessing)

	err := svc.HandleProgress(context.Background(), ProgressEvent{
		RenderID:  job.ID,
		ProjectID: uuid.New(), // not this render's project
		Progress:  50,
	})
	if !errors.Is(err, ErrUnknownRender) {
		t.Fatalf("err = %v, want ErrUnknownRender", err)
	}
	if store.jobs[job.ID].Progress != 0 {
		t.Errorf("progress mutated to %d on rejected event", store.jobs[job.ID].Progress)
	}
}

func TestHandleProgressUpdatesJobOnly(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	svc := newLifecycleService(store, projects, &stubBilling{}, nil)
	job := seedRender(store, projects, models.RenderStatusQueued)

	err := svc.HandleProgress(context.Background(), ProgressEvent{
		RenderID:           job.ID,
		ProjectID:          job.ProjectID,
		Progress:           40,
		EstimatedRemaining: 90 * time.Second,
	})
	if err != nil {
		t.Fatalf("HandleProgress: %v", err)
	}
	got := store.jobs[job.ID]
	if got.Progress != 40 || got.Status != models.RenderStatusProcessing {
		t.Errorf("job = %+v, want processing at 40", got)
	}
	if got.EstimatedCompletion == nil {
		t.Error("estimated_completion not set from estimatedTimeRemaining")
	}
	if projects.projects[job.ProjectID].RenderStatus != models.ProjectRenderNone {
		t.Error("progress event touched the project mirror")
	}
}

func TestHandleProgressAfterTerminalIsSilentNoop(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	svc := newLifecycleService(store, projects, &stubBilling{}, nil)
	job := seedRender(store, projects, models.RenderStatusCompleted)

	err := svc.HandleProgress(context.Background(), ProgressEvent{
		RenderID:  job.ID,
		ProjectID: job.ProjectID,
		Progress:  70,
	})
	if err != nil {
		t.Fatalf("late progress should be acked, got %v", err)
	}
	if store.jobs[job.ID].Status != models.RenderStatusCompleted {
		t.Error("terminal status changed by late progress event")
	}
}

func TestHandleSuccessCompletesAndMirrors(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	svc := newLifecycleService(store, projects, &stubBilling{}, nil)
	job := seedRender(store, projects, models.RenderStatusProcessing)

	err := svc.HandleSuccess(context.Background(), SuccessEvent{
		RenderID:  job.ID,
		ProjectID: job.ProjectID,
		OutputURL: "https://ext/file.mp4",
	})
	if err != nil {
		t.Fatalf("HandleSuccess: %v", err)
	}
	got := store.jobs[job.ID]
	if got.Status != models.RenderStatusCompleted || got.Progress != 100 {
		t.Errorf("job = %+v, want completed at 100", got)
	}
	if got.OutputURL == nil || *got.OutputURL != "https://ext/file.mp4" {
		t.Errorf("output_url = %v, want external URL kept without a bucket", got.OutputURL)
	}
	project := projects.projects[job.ProjectID]
	if project.RenderStatus != models.ProjectRenderCompleted {
		t.Errorf("project render_status = %q, want completed", project.RenderStatus)
	}
	if project.RenderedVideoURL == nil || *project.RenderedVideoURL != "https://ext/file.mp4" {
		t.Errorf("project rendered_video_url = %v", project.RenderedVideoURL)
	}
}

func TestHandleSuccessDuplicateIsIdempotent(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	svc := newLifecycleService(store, projects, &stubBilling{}, nil)
	job := seedRender(store, projects, models.RenderStatusProcessing)

	evt := SuccessEvent{RenderID: job.ID, ProjectID: job.ProjectID, OutputURL: "https://ext/first.mp4"}
	if err := svc.HandleSuccess(context.Background(), evt); err != nil {
		t.Fatalf("first success: %v", err)
	}

	// Second delivery with a different URL must not overwrite the first.
	evt.OutputURL = "https://ext/second.mp4"
	if err := svc.HandleSuccess(context.Background(), evt); err != nil {
		t.Fatalf("duplicate success should be acked, got %v", err)
	}
	got := store.jobs[job.ID]
	if got.OutputURL == nil || *got.OutputURL != "https://ext/first.mp4" {
		t.Errorf("output_url = %v, want the first delivery's URL", got.OutputURL)
	}
}

func TestHandleSuccessRelocatesViaAssetStore(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	assets := &stubAssets{url: "https://cdn.reelforge.dev/renders/out.mp4"}
	svc := newLifecycleService(store, projects, &stubBilling{}, assets)
	job := seedRender(store, projects, models.RenderStatusProcessing)

	err := svc.HandleSuccess(context.Background(), SuccessEvent{
		RenderID:   job.ID,
		ProjectID:  job.ProjectID,
		BucketName: "remotion-renders",
		OutputFile: "out.mp4",
		OutputURL:  "https://ext/out.mp4",
	})
	if err != nil {
		t.Fatalf("HandleSuccess: %v", err)
	}
	got := store.jobs[job.ID]
	if got.OutputURL == nil || *got.OutputURL != assets.url {
		t.Errorf("output_url = %v, want relocated URL", got.OutputURL)
	}
}

func TestHandleSuccessRelocationFailureFallsBack(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	assets := &stubAssets{err: errors.New("bucket unavailable")}
	svc := newLifecycleService(store, projects, &stubBilling{}, assets)
	job := seedRender(store, projects, models.RenderStatusProcessing)

	err := svc.HandleSuccess(context.Background(), SuccessEvent{
		RenderID:   job.ID,
		ProjectID:  job.ProjectID,
		BucketName: "remotion-renders",
		OutputURL:  "https://ext/out.mp4",
	})
	if err != nil {
		t.Fatalf("relocation failure must not fail the event, got %v", err)
	}
	got := store.jobs[job.ID]
	if got.Status != models.RenderStatusCompleted {
		t.Errorf("status = %q, want completed despite relocation failure", got.Status)
	}
	if got.OutputURL == nil || *got.OutputURL != "https://ext/out.mp4" {
		t.Errorf("output_url = %v, want fallback to the source URL", got.OutputURL)
	}
}

func TestHandleErrorFailsMirrorsAndRefunds(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	bill := &stubBilling{}
	svc := newLifecycleService(store, projects, bill, nil)
	job := seedRender(store, projects, models.RenderStatusProcessing)

	err := svc.HandleError(context.Background(), ErrorEvent{
		RenderID:  job.ID,
		ProjectID: job.ProjectID,
		Message:   "composition crashed",
	})
	if err != nil {
		t.Fatalf("HandleError: %v", err)
	}
	got := store.jobs[job.ID]
	if got.Status != models.RenderStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "composition crashed" {
		t.Errorf("error_message = %v", got.ErrorMessage)
	}
	project := projects.projects[job.ProjectID]
	if project.RenderStatus != models.ProjectRenderFailed {
		t.Errorf("project render_status = %q, want failed", project.RenderStatus)
	}
	if project.RenderedVideoURL != nil {
		t.Error("failed render wrote rendered_video_url")
	}
	if len(bill.refunds) != 1 || bill.refunds[0] != job.CostCredits {
		t.Errorf("refunds = %v, want one refund of %d", bill.refunds, job.CostCredits)
	}
}

func TestHandleErrorDuplicateDoesNotDoubleRefund(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	bill := &stubBilling{}
	svc := newLifecycleService(store, projects, bill, nil)
	job := seedRender(store, projects, models.RenderStatusProcessing)

	evt := ErrorEvent{RenderID: job.ID, ProjectID: job.ProjectID, Message: "boom"}
	if err := svc.HandleError(context.Background(), evt); err != nil {
		t.Fatalf("first error: %v", err)
	}
	if err := svc.HandleError(context.Background(), evt); err != nil {
		t.Fatalf("duplicate error should be acked, got %v", err)
	}
	if len(bill.refunds) != 1 {
		t.Errorf("refunds = %v, want exactly one", bill.refunds)
	}
}

func TestHandleSuccessMirrorFailureIsRetriable(t *testing.T) {
	// A transient mirror failure rolls the whole transition back, so the
	// sender's retry is a fresh attempt, not a zero-rows duplicate against
	// a half-applied state.
	store := newMockRenderStore()
	projects := &flakyProjectStore{mockProjectStore: newMockProjectStore(), failures: 1}
	svc := NewService(store, projects, &stubBilling{}, nil, nil, nil, testLogger())
	job := seedRender(store, projects.mockProjectStore, models.RenderStatusProcessing)

	evt := SuccessEvent{RenderID: job.ID, ProjectID: job.ProjectID, OutputURL: "https://ext/file.mp4"}
	if err := svc.HandleSuccess(context.Background(), evt); err == nil {
		t.Fatal("first delivery should surface the mirror failure")
	}
	if store.jobs[job.ID].Status != models.RenderStatusProcessing {
		t.Fatalf("status = %q after failed delivery, want rolled back to processing", store.jobs[job.ID].Status)
	}

	if err := svc.HandleSuccess(context.Background(), evt); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got := store.jobs[job.ID]
	if got.Status != models.RenderStatusCompleted || got.OutputURL == nil || *got.OutputURL != evt.OutputURL {
		t.Errorf("job = %+v, want completed with output URL after retry", got)
	}
	project := projects.projects[job.ProjectID]
	if project.RenderStatus != models.ProjectRenderCompleted {
		t.Errorf("project render_status = %q, want completed after retry", project.RenderStatus)
	}
	if project.RenderedVideoURL == nil || *project.RenderedVideoURL != evt.OutputURL {
		t.Errorf("project rendered_video_url = %v, want mirrored URL", project.RenderedVideoURL)
	}
}

func TestHandleErrorMirrorFailureDoesNotLoseRefund(t *testing.T) {
	store := newMockRenderStore()
	projects := &flakyProjectStore{mockProjectStore: newMockProjectStore(), failures: 1}
	bill := &stubBilling{}
	svc := NewService(store, projects, bill, nil, nil, nil, testLogger())
	job := seedRender(store, projects.mockProjectStore, models.RenderStatusProcessing)

	evt := ErrorEvent{RenderID: job.ID, ProjectID: job.ProjectID, Message: "boom"}
	if err := svc.HandleError(context.Background(), evt); err == nil {
		t.Fatal("first delivery should surface the mirror failure")
	}
	if store.jobs[job.ID].Status != models.RenderStatusProcessing {
		t.Fatalf("status = %q after failed delivery, want rolled back to processing", store.jobs[job.ID].Status)
	}
	if len(bill.refunds) != 0 {
		t.Fatalf("refunds = %v before the transition committed, want none", bill.refunds)
	}

	if err := svc.HandleError(context.Background(), evt); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if store.jobs[job.ID].Status != models.RenderStatusFailed {
		t.Error("job not failed after retry")
	}
	if projects.projects[job.ProjectID].RenderStatus != models.ProjectRenderFailed {
		t.Error("project mirror not failed after retry")
	}
	if len(bill.refunds) != 1 || bill.refunds[0] != job.CostCredits {
		t.Errorf("refunds = %v, want exactly one of %d", bill.refunds, job.CostCredits)
	}
}

func TestFailStuckRenders(t *testing.T) {
	store := newMockRenderStore()
	projects := newMockProjectStore()
	bill := &stubBilling{}
	svc := newLifecycleService(store, projects, bill, nil)

	stale := seedRender(store, projects, models.RenderStatusProcessing)
	stale.UpdatedAt = time.Now().Add(-2 * time.Hour)
	fresh := seedRender(store, projects, models.RenderStatusProcessing)
	done := seedRender(store, projects, models.RenderStatusCompleted)
	done.UpdatedAt = time.Now().Add(-2 * time.Hour)

	failed, err := svc.FailStuckRenders(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("FailStuckRenders: %v", err)
	}
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
	if store.jobs[stale.ID].Status != models.RenderStatusFailed {
		t.Error("stale render not failed")
	}
	if store.jobs[fresh.ID].Status != models.RenderStatusProcessing {
		t.Error("fresh render was swept")
	}
	if store.jobs[done.ID].Status != models.RenderStatusCompleted {
		t.Error("completed render was swept")
	}
	if len(bill.refunds) != 1 {
		t.Errorf("refunds = %v, want one for the stale render", bill.refunds)
	}
}
