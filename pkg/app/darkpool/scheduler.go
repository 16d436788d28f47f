package darkpool

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/util"
)

// Scheduler runs a matching pass every interval once a reference price
// is set.
type Scheduler struct {
	venue     *Venue
	interval  time.Duration
	randomize bool
	clock     util.Clock
	log       *zap.SugaredLogger
}

func NewScheduler(v *Venue, interval time.Duration, randomize bool, clock util.Clock, log *zap.SugaredLogger) *Scheduler {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Scheduler{
		venue:     v,
		interval:  interval,
		randomize: randomize,
		clock:     clock,
		log:       util.Sugar(log),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Infow("scheduler_started", "interval", s.interval.String(), "randomize", s.randomize)
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("scheduler_stopped")
			return
		case <-s.clock.After(s.interval):
		}

		_, err := s.venue.RunPass(PassParams{Randomize: s.randomize})
		switch {
		case errors.Is(err, ErrNoReferencePrice):
			s.log.Debugw("pass_skipped", "reason", "no_reference_price")
		case err != nil:
			s.log.Errorw("pass_failed", "err", err)
		}
	}
}
