package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/causa/internal/common"
	"github.com/ternarybob/causa/internal/interfaces"
)

// Sweeper deletes terminal jobs and webhook delivery records older than the
// configured TTLs on a cron schedule. This is the only component that ever
// destroys job records; the orchestrator and dispatcher never do.
type Sweeper struct {
	jobs       interfaces.JobStorage
	deliveries interfaces.DeliveryStorage
	config     *common.RetentionConfig
	cron       *cron.Cron
	logger     arbor.ILogger
	gc         func() error
	running    bool
}

// NewSweeper creates a retention sweeper
func NewSweeper(jobs interfaces.JobStorage, deliveries interfaces.DeliveryStorage, config *common.RetentionConfig, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		jobs:       jobs,
		deliveries: deliveries,
		config:     config,
		cron:       cron.New(),
		logger:     logger,
	}
}

// SetGC registers a storage garbage collection hook to run after each
// sweep that deleted records
func (s *Sweeper) SetGC(gc func() error) {
	s.gc = gc
}

// Start schedules the sweep. Disabled retention is a no-op.
func (s *Sweeper) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Retention sweeper disabled")
		return nil
	}
	if s.running {
		return fmt.Errorf("retention sweeper already running")
	}

	schedule := s.config.Schedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}

	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().
		Str("schedule", schedule).
		Str("job_ttl", s.config.JobTTL.String()).
		Str("delivery_ttl", s.config.DeliveryTTL.String()).
		Msg("Retention sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}

// Sweep runs one retention pass immediately
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	deleted := 0

	if s.config.JobTTL > 0 {
		n, err := s.jobs.DeleteTerminalJobsBefore(ctx, now.Add(-s.config.JobTTL.Std()))
		if err != nil {
			return fmt.Errorf("job retention sweep failed: %w", err)
		}
		if n > 0 {
			s.logger.Info().Int("deleted", n).Msg("Expired terminal jobs removed")
		}
		deleted += n
	}

	if s.config.DeliveryTTL > 0 {
		n, err := s.deliveries.DeleteTerminalDeliveriesBefore(ctx, now.Add(-s.config.DeliveryTTL.Std()))
		if err != nil {
			return fmt.Errorf("delivery retention sweep failed: %w", err)
		}
		if n > 0 {
			s.logger.Info().Int("deleted", n).Msg("Expired webhook deliveries removed")
		}
		deleted += n
	}

	if deleted > 0 && s.gc != nil {
		if err := s.gc(); err != nil {
			s.logger.Warn().Err(err).Msg("Storage garbage collection failed")
		}
	}

	return nil
}

func (s *Sweeper) sweep() {
	if err := s.Sweep(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("Retention sweep failed")
	}
}
