package certificate

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler runs reconciliation passes periodically.
type Scheduler struct {
	ctx       context.Context
	service   *Service
	scheduler gocron.Scheduler
}

// NewScheduler creates a new scheduler.
func NewScheduler(ctx context.Context, service *Service, interval time.Duration) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	scheduler := &Scheduler{
		ctx:       ctx,
		service:   service,
		scheduler: s,
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(scheduler.reconcile),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	return scheduler, nil
}

// Start begins the reconciliation loop and stops it when the context ends.
func (s *Scheduler) Start() {
	slog.Info("starting reconciliation scheduler")
	s.scheduler.Start()
	<-s.ctx.Done()
	s.Stop()
}

// Stop halts the reconciliation loop.
func (s *Scheduler) Stop() {
	slog.Info("stopping reconciliation scheduler")
	if err := s.scheduler.Shutdown(); err != nil {
		slog.Error("error shutting down scheduler", "err", err)
	}
}

func (s *Scheduler) reconcile() {
	if _, err := s.service.Reconcile(s.ctx); err != nil {
		slog.Error("reconciliation failed", "err", err)
	}
}
