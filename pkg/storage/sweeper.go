package storage

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/camber-io/camber/pkg/log"
)

const (
	defaultDedupeTTL = 24 * time.Hour
	sweepTimeout     = time.Minute

	dedupeSweepSchedule  = "@every 10m"
	resultsSweepSchedule = "@every 1h"
)

// Sweeper runs periodic table maintenance: it evicts webhook dedupe
// tokens older than the configured TTL and idempotency results past
// their expiry. Sweeps are best-effort; a failed sweep is retried on
// the next schedule tick.
type Sweeper struct {
	store     Store
	dedupeTTL time.Duration
	cron      *cron.Cron
	now       func() time.Time
}

// NewSweeper creates a sweeper for the given store. A non-positive TTL
// falls back to the 24h default.
func NewSweeper(store Store, dedupeTTL time.Duration) *Sweeper {
	if dedupeTTL <= 0 {
		dedupeTTL = defaultDedupeTTL
	}
	return &Sweeper{
		store:     store,
		dedupeTTL: dedupeTTL,
		cron:      cron.New(),
		now:       time.Now,
	}
}

// Start schedules the sweep jobs and begins running them
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(dedupeSweepSchedule, s.SweepDedupe); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(resultsSweepSchedule, s.SweepNodeResults); err != nil {
		return err
	}
	s.cron.Start()
	log.WithComponent("sweeper").Info().
		Dur("dedupe_ttl", s.dedupeTTL).
		Msg("maintenance sweeper started")
	return nil
}

// Stop halts the schedule and waits for any running sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepDedupe deletes webhook dedupe tokens older than the TTL
func (s *Sweeper) SweepDedupe() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	logger := log.WithComponent("sweeper")
	n, err := s.store.DeleteExpiredWebhookDedupe(ctx, s.now().Add(-s.dedupeTTL))
	if err != nil {
		logger.Error().Err(err).Msg("webhook dedupe sweep failed")
		return
	}
	if n > 0 {
		logger.Debug().Int("deleted", n).Msg("webhook dedupe tokens swept")
	}
}

// SweepNodeResults deletes idempotency results past their expiry
func (s *Sweeper) SweepNodeResults() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	logger := log.WithComponent("sweeper")
	n, err := s.store.DeleteExpiredNodeResults(ctx, s.now())
	if err != nil {
		logger.Error().Err(err).Msg("node result sweep failed")
		return
	}
	if n > 0 {
		logger.Debug().Int("deleted", n).Msg("expired node results swept")
	}
}
