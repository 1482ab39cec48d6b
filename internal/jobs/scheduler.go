package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultBonusSchedule runs the daily bonus at midnight UTC.
const DefaultBonusSchedule = "0 0 * * *"

// Scheduler owns the cron runner for background jobs.
type Scheduler struct {
	cron  *cron.Cron
	bonus *DailyBonus
}

// NewScheduler builds a UTC scheduler. It does not start it.
func NewScheduler(bonus *DailyBonus) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithLocation(time.UTC)),
		bonus: bonus,
	}
}

// Start registers the jobs on schedule and starts the runner. An invalid
// schedule is returned before anything runs.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultBonusSchedule
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		log.Info().Str("schedule", schedule).Msg("cron: daily bonus")
		if _, err := s.bonus.Run(ctx); err != nil {
			log.Error().Err(err).Msg("cron: daily bonus failed")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("schedule", schedule).Msg("scheduler started")
	return nil
}

// Stop stops the runner and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("scheduler stopped")
}
