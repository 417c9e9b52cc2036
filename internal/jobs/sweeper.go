// Package jobs runs scheduled maintenance tasks.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// StuckRenderFailer is implemented by the render service.
type StuckRenderFailer interface {
	FailStuckRenders(ctx context.Context, grace time.Duration) (int, error)
}

// Sweeper periodically fails renders that stopped reporting progress, so a
// dead render cloud job cannot hold a user's credits forever.
type Sweeper struct {
	cron    *cron.Cron
	renders StuckRenderFailer
	grace   time.Duration
	logger  *slog.Logger
}

func NewSweeper(renders StuckRenderFailer, grace time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cron:    cron.New(),
		renders: renders,
		grace:   grace,
		logger:  logger,
	}
}

// Start registers the sweep on the given cron expression and starts the scheduler.
func (s *Sweeper) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	failed, err := s.renders.FailStuckRenders(ctx, s.grace)
	if err != nil {
		s.logger.Error("stuck render sweep", "error", err)
		return
	}
	if failed > 0 {
		s.logger.Info("stuck renders failed", "count", failed)
	}
}
