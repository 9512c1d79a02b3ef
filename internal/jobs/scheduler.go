package jobs

import (
	"context"
	"time"

	"github.com/altia/nlserv/internal/log"
)

// Scheduler fires the reload cycle at a fixed wall-clock time each day.
// If today's trigger time is already past, the first run is tomorrow.
type Scheduler struct {
	Reloader *Reloader
	// Next computes the next trigger after now.
	Next func(now time.Time) time.Time
	// now is a test hook.
	now func() time.Time
}

// Run blocks until ctx is cancelled, running a reload plus maintenance
// at each trigger. A failed cycle is logged and the next one is still
// scheduled.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := log.WithComponent("scheduler")
	now := s.now
	if now == nil {
		now = time.Now
	}

	for {
		next := s.Next(now())
		logger.Info().
			Str("event", "scheduler.next").
			Time("at", next).
			Msg("next licence reload scheduled")

		timer := time.NewTimer(next.Sub(now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := s.Reloader.Reload(ctx); err != nil {
			logger.Error().Err(err).Str("event", "scheduler.reload_failed").Msg("scheduled reload failed")
			continue
		}
		if err := s.Reloader.Maintain(ctx); err != nil {
			logger.Error().Err(err).Str("event", "scheduler.maintain_failed").Msg("database maintenance failed")
		}
	}
}
