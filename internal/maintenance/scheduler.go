// Package maintenance runs the server's periodic jobs: billing cycle
// reconciliation, rate limiter sweeps and usage gauge refreshes.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// DefaultReconcileSchedule runs reconciliation daily at 03:00 UTC.
	DefaultReconcileSchedule = "0 3 * * *"
	// DefaultSweepSchedule drops idle rate limiter windows.
	DefaultSweepSchedule = "@every 10m"
	// DefaultUsageSchedule refreshes the usage gauges.
	DefaultUsageSchedule = "@every 1m"
)

// CycleReconciler resets elapsed billing cycles.
type CycleReconciler interface {
	Run(ctx context.Context) (int, error)
}

// WindowSweeper drops empty rate limiter windows.
type WindowSweeper interface {
	Sweep() int
}

// UsageSource provides the active-license rollup.
type UsageSource interface {
	UsageStats(ctx context.Context) (*models.UsageStats, error)
}

// UsagePublisher exports a usage rollup, typically as gauges.
type UsagePublisher interface {
	SetUsage(stats *models.UsageStats)
}

// Config selects the jobs and their cron schedules. Nil collaborators
// disable the matching job.
type Config struct {
	Reconciler        CycleReconciler
	ReconcileSchedule string
	// ReconcileOnStart runs one sweep when Run starts, catching up on
	// cycles that elapsed while the server was down.
	ReconcileOnStart bool

	Sweeper       WindowSweeper
	SweepSchedule string

	Usage          UsageSource
	UsagePublisher UsagePublisher
	UsageSchedule  string

	// JobTimeout bounds a single job run. Defaults to five minutes.
	JobTimeout time.Duration
}

// Scheduler runs the maintenance jobs on cron schedules in UTC.
type Scheduler struct {
	cfg     Config
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler and validates the cron expressions.
func NewScheduler(cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = DefaultReconcileSchedule
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.UsageSchedule == "" {
		cfg.UsageSchedule = DefaultUsageSchedule
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}

	s := &Scheduler{
		cfg:    cfg,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger.With().Str("component", "maintenance").Logger(),
	}

	jobs := []struct {
		enabled  bool
		schedule string
		run      func()
	}{
		{cfg.Reconciler != nil, cfg.ReconcileSchedule, s.runReconcile},
		{cfg.Sweeper != nil, cfg.SweepSchedule, s.runSweep},
		{cfg.Usage != nil && cfg.UsagePublisher != nil, cfg.UsageSchedule, s.runUsage},
	}
	for _, job := range jobs {
		if !job.enabled {
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", job.schedule, err)
		}
	}

	return s, nil
}

// Start begins running the scheduled jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("maintenance scheduler already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("reconcile_schedule", s.cfg.ReconcileSchedule).
		Int("jobs", len(s.cron.Entries())).
		Msg("maintenance scheduler started")
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping maintenance scheduler")
	return s.cron.Stop()
}

// Run starts the scheduler and blocks until ctx is canceled, then waits for
// in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	startup := make(chan struct{})
	if s.cfg.ReconcileOnStart {
		go func() {
			defer close(startup)
			s.RunReconcileNow()
		}()
	} else {
		close(startup)
	}
	<-ctx.Done()
	<-s.Stop().Done()
	<-startup
	return nil
}

// RunReconcileNow reconciles immediately, outside the cron schedule. Run
// uses it for the startup sweep.
func (s *Scheduler) RunReconcileNow() {
	s.runReconcile()
}

func (s *Scheduler) runReconcile() {
	if s.cfg.Reconciler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	if _, err := s.cfg.Reconciler.Run(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduled reconciliation finished with errors")
	}
}

func (s *Scheduler) runSweep() {
	if s.cfg.Sweeper == nil {
		return
	}
	removed := s.cfg.Sweeper.Sweep()
	s.logger.Debug().Int("removed", removed).Msg("rate limiter windows swept")
}

func (s *Scheduler) runUsage() {
	if s.cfg.Usage == nil || s.cfg.UsagePublisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	stats, err := s.cfg.Usage.UsageStats(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to refresh usage gauges")
		return
	}
	s.cfg.UsagePublisher.SetUsage(stats)
}
