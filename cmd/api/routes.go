package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reelforge/backend/internal/billing"
	"github.com/reelforge/backend/internal/compositions"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/middleware"
	"github.com/reelforge/backend/internal/projects"
	"github.com/reelforge/backend/internal/renders"
)

// registerCoreRoutes adds the billing engine action endpoint, the render
// cloud's webhook callback, and metrics to the given mux.
func registerCoreRoutes(
	mux *http.ServeMux,
	cfg *config.Config,
	billingHandler *billing.Handler,
	rendersHandler *renders.Handler,
) {
	// POST /billing-engine — single action endpoint, bearer auth inside.
	mux.HandleFunc("POST /billing-engine", billingHandler.Engine)

	// POST /render-webhook — shared secret gate, then the event dispatch.
	webhookAuth := middleware.RequireWebhookSecret(cfg.RenderWebhookSecret)
	mux.Handle("POST /render-webhook", webhookAuth(http.HandlerFunc(rendersHandler.Webhook)))

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// renderCost prices a render request by its project's composition, for the
// credit pre-check on POST /api/v1/renders.
func renderCost(repo *projects.Repository, validator *compositions.Validator) middleware.RenderCostFunc {
	return func(ctx context.Context, projectID uuid.UUID) (int64, bool, error) {
		project, err := repo.GetByID(ctx, projectID)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		cost, known := validator.Cost(project.Composition)
		return cost, known, nil
	}
}
