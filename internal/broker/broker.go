// Package broker owns the lifecycle of gateway-side discount objects. It is
// the only place that talks to payment gateways, and it never does so inside
// a database transaction: at worst an external object is missing or stale,
// and the retry/reaper paths converge it.
package broker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	concurrency "github.com/promo-platform/promotion-engine/internal/concurrrency"
	"github.com/promo-platform/promotion-engine/internal/gateway"
	"github.com/promo-platform/promotion-engine/internal/metrics"
	"github.com/promo-platform/promotion-engine/internal/models"
)

type ReservationStore interface {
	GetByID(ctx context.Context, id string) (*models.Reservation, error)
}

type ArtifactStore interface {
	Insert(ctx context.Context, a *models.GatewayArtifact) error
	Get(ctx context.Context, reservationID, gatewayName string) (*models.GatewayArtifact, error)
	ListByReservation(ctx context.Context, reservationID string) ([]models.GatewayArtifact, error)
	Delete(ctx context.Context, reservationID, gatewayName string) error
	FindOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]models.GatewayArtifact, error)
}

type Broker struct {
	reservations ReservationStore
	artifacts    ArtifactStore
	registry     *gateway.Registry
	pool         *concurrency.Pool

	retries int
	backoff time.Duration
}

func New(reservations ReservationStore, artifacts ArtifactStore, registry *gateway.Registry, retries int, backoff time.Duration) *Broker {
	if retries < 1 {
		retries = 1
	}
	return &Broker{
		reservations: reservations,
		artifacts:    artifacts,
		registry:     registry,
		pool:         concurrency.NewPool(1024),
		retries:      retries,
		backoff:      backoff,
	}
}

// Start launches the cleanup workers. Stop drains them.
func (b *Broker) Start(ctx context.Context, workers int) { b.pool.Start(ctx, workers) }
func (b *Broker) Stop()                                  { b.pool.Stop() }

// Materialize creates the reservation's discount object in each named
// gateway (all registered gateways when none are named). Already-present
// artifacts are returned as-is, so retrying a partially failed materialize
// only touches the gateways that are still missing.
func (b *Broker) Materialize(ctx context.Context, reservationID string, gateways ...string) ([]models.GatewayArtifact, error) {
	res, err := b.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.Status != models.ReservationReserved {
		return nil, models.ErrNotReserved
	}
	if res.ExpiredAt(time.Now()) {
		return nil, models.ErrReservationExpired
	}

	if len(gateways) == 0 {
		gateways = b.registry.Names()
	}

	out := make([]models.GatewayArtifact, len(gateways))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range gateways {
		i, name := i, name
		g.Go(func() error {
			a, err := b.materializeOne(gctx, res, name)
			if err != nil {
				return err
			}
			out[i] = *a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Broker) materializeOne(ctx context.Context, res *models.Reservation, gatewayName string) (*models.GatewayArtifact, error) {
	if existing, err := b.artifacts.Get(ctx, res.ID, gatewayName); err == nil {
		return existing, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	adapter, ok := b.registry.Get(gatewayName)
	if !ok {
		return nil, models.Invalid("gateway", "unknown gateway: "+gatewayName)
	}

	snap := gateway.Snapshot{
		ReservationID:   res.ID,
		DiscountType:    res.DiscountType,
		DiscountPercent: res.DiscountPercent,
		DiscountAmount:  res.DiscountAmount,
		Currency:        res.Currency,
		ExpiresAt:       res.ExpiresAt,
	}

	var ref gateway.ExternalRef
	err := b.withRetry(ctx, func() error {
		var callErr error
		ref, callErr = adapter.CreateDiscountObject(ctx, snap)
		return callErr
	})
	if err != nil {
		metrics.GatewayCallFailures.WithLabelValues(gatewayName, "create").Inc()
		log.Error().Err(err).
			Str("reservation_id", res.ID).
			Str("gateway", gatewayName).
			Msg("gateway create failed")
		return nil, errors.WithMessage(models.ErrGatewayUnavailable, err.Error())
	}

	a := &models.GatewayArtifact{
		ReservationID: res.ID,
		Gateway:       gatewayName,
		ExternalID:    ref.ExternalID,
		ExtraIDs:      ref.ExtraIDs,
		ExpiresAt:     res.ExpiresAt,
	}
	if err := b.artifacts.Insert(ctx, a); err != nil {
		if errors.Is(err, models.ErrArtifactExists) {
			// Lost the insert race: another worker materialized first.
			// Remove the duplicate external object and hand back theirs.
			b.deleteExternal(ctx, adapter, ref, res.ID)
			return b.artifacts.Get(ctx, res.ID, gatewayName)
		}
		return nil, err
	}
	return a, nil
}

// Dematerialize tears down the reservation's object in one gateway. A
// missing row or an already-gone external object both count as success.
func (b *Broker) Dematerialize(ctx context.Context, reservationID, gatewayName string) error {
	a, err := b.artifacts.Get(ctx, reservationID, gatewayName)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}

	adapter, ok := b.registry.Get(gatewayName)
	if !ok {
		return models.Invalid("gateway", "unknown gateway: "+gatewayName)
	}

	ref := gateway.ExternalRef{ExternalID: a.ExternalID, ExtraIDs: a.ExtraIDs}
	err = b.withRetry(ctx, func() error {
		callErr := adapter.DeleteDiscountObject(ctx, ref)
		if errors.Is(callErr, gateway.ErrObjectMissing) {
			return nil
		}
		return callErr
	})
	if err != nil {
		metrics.GatewayCallFailures.WithLabelValues(gatewayName, "delete").Inc()
		return errors.WithMessage(models.ErrGatewayUnavailable, err.Error())
	}

	return b.artifacts.Delete(ctx, reservationID, gatewayName)
}

// ScheduleCleanup queues an async teardown of every artifact the reservation
// still has. Called on release, expiry and after commit. Queue overflow is
// tolerated: the reaper's orphan pass picks the leftovers up.
func (b *Broker) ScheduleCleanup(reservationID string) {
	ok := b.pool.Submit(func(ctx context.Context) {
		if err := b.CleanupReservation(ctx, reservationID); err != nil {
			log.Warn().Err(err).
				Str("reservation_id", reservationID).
				Msg("artifact cleanup failed; reaper will retry")
		}
	})
	if !ok {
		log.Warn().Str("reservation_id", reservationID).Msg("cleanup queue full")
	}
}

// CleanupReservation synchronously tears down all artifacts of one
// reservation.
func (b *Broker) CleanupReservation(ctx context.Context, reservationID string) error {
	artifacts, err := b.artifacts.ListByReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if err := b.Dematerialize(ctx, reservationID, a.Gateway); err != nil {
			return err
		}
	}
	return nil
}

// PurgeOrphaned tears down artifacts whose reservation finished before the
// cutoff. Returns how many were removed.
func (b *Broker) PurgeOrphaned(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	orphans, err := b.artifacts.FindOrphaned(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, a := range orphans {
		if err := b.Dematerialize(ctx, a.ReservationID, a.Gateway); err != nil {
			log.Warn().Err(err).
				Str("reservation_id", a.ReservationID).
				Str("gateway", a.Gateway).
				Msg("orphan purge failed")
			continue
		}
		purged++
	}
	return purged, nil
}

func (b *Broker) deleteExternal(ctx context.Context, adapter gateway.Adapter, ref gateway.ExternalRef, reservationID string) {
	err := b.withRetry(ctx, func() error {
		callErr := adapter.DeleteDiscountObject(ctx, ref)
		if errors.Is(callErr, gateway.ErrObjectMissing) {
			return nil
		}
		return callErr
	})
	if err != nil {
		log.Warn().Err(err).
			Str("reservation_id", reservationID).
			Str("external_id", ref.ExternalID).
			Msg("duplicate external object left behind")
	}
}

func (b *Broker) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= b.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == b.retries {
			break
		}
		select {
		case <-time.After(b.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
