package exam

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultSweepBatch = 200

// SweepExpired finalizes open attempts whose end_at has passed so that idle
// candidates still get a score. It returns how many attempts it closed.
func (s *Service) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepBatch
	}
	ids, err := s.listExpiredAttemptIDs(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		_, applied, err := s.finalize(ctx, id, now, true, ReasonTimeUp)
		if err != nil {
			log.Error().Err(err).Str("attempt_id", id).Msg("sweep finalize failed")
			continue
		}
		if applied {
			closed++
		}
	}
	return closed, nil
}

type sweepService interface {
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// Sweeper runs SweepExpired on a fixed interval until its context ends.
type Sweeper struct {
	svc      sweepService
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewSweeper(svc sweepService, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		batch:    defaultSweepBatch,
		now:      time.Now,
	}
}

func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", w.interval).Msg("attempt sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("attempt sweeper stopped")
			return nil
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Sweeper) runOnce(ctx context.Context) {
	n, err := w.svc.SweepExpired(ctx, w.now(), w.batch)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("attempt sweep failed")
		}
		return
	}
	if n > 0 {
		log.Info().Int("closed", n).Msg("expired attempts finalized")
	}
}
