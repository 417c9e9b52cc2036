package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/reelforge/backend/internal/auth"
	"github.com/reelforge/backend/internal/billing"
	"github.com/reelforge/backend/internal/compositions"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/dashboard"
	"github.com/reelforge/backend/internal/db"
	"github.com/reelforge/backend/internal/jobs"
	"github.com/reelforge/backend/internal/middleware"
	"github.com/reelforge/backend/internal/projects"
	"github.com/reelforge/backend/internal/renders"
	"github.com/reelforge/backend/internal/rendering"
	"github.com/reelforge/backend/internal/router"
	"github.com/reelforge/backend/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		slog.Error("Schema migrations failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first (e.g. make dev-up)", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	validator, err := compositions.NewValidator(cfg.SchemaDir)
	if err != nil {
		slog.Error("Composition catalog failed to load", "error", err, "dir", cfg.SchemaDir)
		os.Exit(1)
	}

	// Billing
	billingRepo := billing.NewRepository(pool)
	billingSvc := billing.NewService(billingRepo, cfg.StartingCredits)

	// Renders: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn renders.InsertRenderTxFunc
	insertRender := func(ctx context.Context, tx pgx.Tx, renderID, projectID, userID uuid.UUID) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, renderID, projectID, userID)
	}

	projectsRepo := projects.NewRepository(pool)
	rendersRepo := renders.NewRepository(pool)
	assetStore := storage.NewHTTPStore(cfg.StorageURL, cfg.StorageBucket, cfg.StorageAPIKey)
	rendersSvc := renders.NewService(rendersRepo, projectsRepo, billingSvc, validator, assetStore, insertRender, logger)

	// Submission worker
	renderClient := rendering.NewClient(cfg.RenderServiceURL, cfg.RenderServiceAPIKey)
	workers := river.NewWorkers()
	river.AddWorker(workers, rendering.NewSubmitRenderWorker(rendersSvc, renderClient, cfg.PublicBaseURL+"/render-webhook"))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, renderID, projectID, userID uuid.UUID) error {
		_, err := riverClient.InsertTx(ctx, tx, rendering.SubmitRenderJobArgs{
			RenderID:  renderID,
			ProjectID: projectID,
			UserID:    userID,
		}, nil)
		return err
	}
	insertMu.Unlock()

	// Auth (signup bonus goes through the ledger)
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret, billingSvc.SignupBonus)
	authHandler := auth.NewHandler(authSvc, logger)

	projectsHandler := projects.NewHandler(projectsRepo, validator, logger)
	rendersHandler := renders.NewHandler(rendersSvc, logger)
	billingHandler := billing.NewHandler(billingSvc, authSvc, logger)
	dashHandler := dashboard.NewHandler(authRepo, billingRepo, billingRepo, logger)

	requireAuth := middleware.RequireAuth(authSvc)
	preCheck := middleware.CreditPreCheck(billingRepo, renderCost(projectsRepo, validator))

	apiV1Router := router.New(authHandler, projectsHandler, rendersHandler, dashHandler, requireAuth, preCheck)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiV1Router)
	registerCoreRoutes(mux, cfg, billingHandler, rendersHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (submits renders to the cloud)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	// Stale render sweep
	sweeper := jobs.NewSweeper(rendersSvc, cfg.StuckRenderGrace, logger)
	if err := sweeper.Start(cfg.SweepCron); err != nil {
		slog.Error("Failed to start render sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
