package rendering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type SubmitRenderJobArgs struct {
	RenderID  uuid.UUID `json:"render_id"`
	ProjectID uuid.UUID `json:"project_id"`
	UserID    uuid.UUID `json:"user_id"`
}

func (SubmitRenderJobArgs) Kind() string { return "submit_render" }

// RenderService is the contract the worker needs to load the job and report
// the submission outcome.
type RenderService interface {
	RenderPayload(ctx context.Context, renderID uuid.UUID) (composition string, inputProps json.RawMessage, err error)
	MarkRenderProcessing(ctx context.Context, renderID uuid.UUID) error
	MarkRenderFailed(ctx context.Context, renderID uuid.UUID, reason string) error
}

type SubmitRenderWorker struct {
	river.WorkerDefaults[SubmitRenderJobArgs]
	renders    RenderService
	client     *Client
	webhookURL string
}

func NewSubmitRenderWorker(renders RenderService, client *Client, webhookURL string) *SubmitRenderWorker {
	return &SubmitRenderWorker{
		renders:    renders,
		client:     client,
		webhookURL: webhookURL,
	}
}

func (w *SubmitRenderWorker) Work(ctx context.Context, job *river.Job[SubmitRenderJobArgs]) error {
	args := job.Args

	composition, inputProps, err := w.renders.RenderPayload(ctx, args.RenderID)
	if err != nil {
		return w.failRender(ctx, args.RenderID, fmt.Sprintf("load render payload: %v", err))
	}

	_, err = w.client.Submit(ctx, SubmitRequest{
		Composition: composition,
		InputProps:  inputProps,
		WebhookURL:  w.webhookURL,
		CustomData: map[string]any{
			"render_id":  args.RenderID.String(),
			"project_id": args.ProjectID.String(),
			"user_id":    args.UserID.String(),
		},
	})
	if err != nil {
		// Network-level failures are worth a river retry; the final attempt
		// fails the render so the user is refunded.
		if job.Attempt >= job.MaxAttempts {
			return w.failRender(ctx, args.RenderID, fmt.Sprintf("submit to render cloud: %v", err))
		}
		return fmt.Errorf("submit render %s: %w", args.RenderID, err)
	}

	if err := w.renders.MarkRenderProcessing(ctx, args.RenderID); err != nil {
		return fmt.Errorf("mark render processing: %w", err)
	}
	return nil
}

func (w *SubmitRenderWorker) failRender(ctx context.Context, renderID uuid.UUID, reason string) error {
	if err := w.renders.MarkRenderFailed(ctx, renderID, reason); err != nil {
		return errors.Join(fmt.Errorf("submission failed (%s)", reason), err)
	}
	return nil
}
