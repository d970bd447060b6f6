package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/promo-platform/promotion-engine/internal/metrics"
	"github.com/promo-platform/promotion-engine/internal/models"
)

// SweepLock serializes sweeps across replicas. A nil lock means single-node
// operation and every tick sweeps.
type SweepLock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// OrphanPurger removes gateway artifacts whose reservation already left the
// reserved state some time ago.
type OrphanPurger interface {
	PurgeOrphaned(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Reaper moves reservations past their TTL into the expired state and
// schedules cleanup of their gateway artifacts. Expiry is lazy everywhere
// else in the system; the reaper is what makes it eventually visible in the
// database.
type Reaper struct {
	store    ReservationStore
	cleaner  ArtifactCleaner
	purger   OrphanPurger
	lock     SweepLock
	interval time.Duration
	grace    time.Duration
	batch    int
}

func NewReaper(store ReservationStore, cleaner ArtifactCleaner, purger OrphanPurger, lock SweepLock, interval, grace time.Duration, batch int) *Reaper {
	if batch <= 0 {
		batch = 500
	}
	return &Reaper{
		store:    store,
		cleaner:  cleaner,
		purger:   purger,
		lock:     lock,
		interval: interval,
		grace:    grace,
		batch:    batch,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("reaper sweep failed")
			} else if n > 0 {
				log.Info().Int("expired", n).Msg("reaper sweep")
			}
		}
	}
}

// Sweep runs one pass and returns how many reservations it expired. When a
// distributed lock is configured and held by another replica, the pass is
// skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.lock != nil {
		ok, err := r.lock.TryAcquire(ctx)
		if err != nil {
			// Lock backend trouble must not stop expiry; sweep anyway.
			log.Warn().Err(err).Msg("sweep lock unavailable, sweeping without it")
		} else if !ok {
			return 0, nil
		} else {
			defer func() {
				if err := r.lock.Release(ctx); err != nil {
					log.Warn().Err(err).Msg("sweep lock release failed")
				}
			}()
		}
	}

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	expired := 0
	for {
		stale, err := r.store.FindExpired(ctx, time.Now(), r.batch)
		if err != nil {
			return expired, err
		}
		if len(stale) == 0 {
			break
		}
		for _, res := range stale {
			if err := r.store.Transition(ctx, res.ID, models.ReservationExpired); err != nil {
				// Someone committed or released the row between the scan and
				// the flip; that outcome wins.
				if errors.Is(err, models.ErrAlreadyFinalized) ||
					errors.Is(err, models.ErrNotReserved) ||
					errors.Is(err, models.ErrReservationExpired) {
					continue
				}
				return expired, err
			}
			expired++
			metrics.ReservationsExpired.Inc()
			if r.cleaner != nil {
				r.cleaner.ScheduleCleanup(res.ID)
			}
		}
		if len(stale) < r.batch {
			break
		}
	}

	if r.purger != nil {
		cutoff := time.Now().Add(-r.grace)
		if n, err := r.purger.PurgeOrphaned(ctx, cutoff, r.batch); err != nil {
			log.Warn().Err(err).Msg("orphan artifact purge failed")
		} else if n > 0 {
			log.Info().Int("purged", n).Msg("orphaned artifacts removed")
		}
	}
	return expired, nil
}
