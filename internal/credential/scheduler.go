package credential

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Distributor releases credentials for finalized attempts. It must be safe to
// call more than once.
type Distributor interface {
	Distribute(ctx context.Context, at time.Time) (int, error)
}

// Scheduler fires a Distributor once at a fixed instant.
type Scheduler struct {
	dist   Distributor
	fireAt time.Time
	now    func() time.Time
}

func NewScheduler(dist Distributor, fireAt time.Time) *Scheduler {
	return &Scheduler{dist: dist, fireAt: fireAt, now: time.Now}
}

// Run blocks until the release instant, distributes, and returns. A release
// instant already in the past fires immediately. A zero instant disables the
// scheduler. Distribution failures are logged, not returned, so the server
// keeps running.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.dist == nil || s.fireAt.IsZero() {
		log.Info().Msg("credential scheduler disabled")
		return nil
	}

	if wait := s.fireAt.Sub(s.now()); wait > 0 {
		log.Info().Time("fire_at", s.fireAt).Dur("wait", wait).Msg("credential release scheduled")
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			log.Info().Msg("credential scheduler stopped before release")
			return nil
		case <-timer.C:
		}
	}

	n, err := s.dist.Distribute(ctx, s.now())
	if err != nil {
		log.Error().Err(err).Msg("credential distribution failed")
		return nil
	}
	log.Info().Int("issued", n).Msg("credentials distributed")
	return nil
}
