package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
)

// DefaultSweepCron runs the janitor every minute.
const DefaultSweepCron = "* * * * *"

// Janitor sweeps stale entries and enforces the byte budget on a cron
// schedule.
type Janitor struct {
	store *Store
	cron  string
	log   zerolog.Logger
	// OnSweep, if set, is called after every run with the number of removed
	// entries.
	OnSweep func(removed int)
}

// NewJanitor validates expr and creates a janitor for store.
func NewJanitor(store *Store, expr string, logger zerolog.Logger) (*Janitor, error) {
	if expr == "" {
		expr = DefaultSweepCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("cache: invalid sweep cron expression %q", expr)
	}
	return &Janitor{
		store: store,
		cron:  expr,
		log:   logger.With().Str("component", "cache-janitor").Logger(),
	}, nil
}

// RunOnce sweeps and evicts immediately.
func (j *Janitor) RunOnce() int {
	removed := j.store.Sweep() + j.store.EvictIfNeeded()
	j.log.Debug().Int("removed", removed).Int("entries", j.store.Len()).Msg("Cache sweep")
	if j.OnSweep != nil {
		j.OnSweep(removed)
	}
	return removed
}

// Run blocks until ctx is done, sweeping at every tick of the schedule.
func (j *Janitor) Run(ctx context.Context) {
	j.log.Info().Str("cron", j.cron).Msg("Cache janitor started")
	for {
		next, err := gronx.NextTickAfter(j.cron, time.Now().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			j.log.Error().Err(err).Msg("Failed to compute next sweep")
			wait = 30 * time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.log.Info().Msg("Cache janitor stopping")
			return
		case <-timer.C:
			if err == nil {
				j.RunOnce()
			}
		}
	}
}
