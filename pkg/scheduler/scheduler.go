// Package scheduler runs the periodic sweep that archives idle database
// instances.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sirrobot01/dbctl/pkg/database"
)

// sweepTimeout bounds one full sweep, dumps and uploads included.
const sweepTimeout = 5 * time.Minute

// Scheduler drives the idle sweeper.
type Scheduler struct {
	manager  *database.Manager
	cron     *cron.Cron
	sweeping atomic.Bool // guards against overlapping sweeps
}

// New creates a scheduler for the manager's expiry sweep.
func New(manager *database.Manager) *Scheduler {
	return &Scheduler{
		manager: manager,
		cron:    cron.New(cron.WithSeconds()),
	}
}

// Start registers the sweep job and starts the cron loop. An immediate
// sweep runs in the background to catch instances that went idle while
// the server was down.
func (s *Scheduler) Start() error {
	log.Info().Msg("Starting scheduler")

	if _, err := s.cron.AddFunc("@every 60s", s.sweep); err != nil {
		return err
	}
	s.cron.Start()

	go s.sweep()
	return nil
}

// Stop waits for any running job before returning.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) sweep() {
	if !s.sweeping.CompareAndSwap(false, true) {
		log.Debug().Msg("Sweep already in progress, skipping")
		return
	}
	defer s.sweeping.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	s.manager.SweepExpired(ctx)
}
