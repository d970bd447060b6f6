package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/promo-platform/promotion-engine/internal/metrics"
	"github.com/promo-platform/promotion-engine/internal/models"
)

// ReservationStore is the persistence surface of the reservation state
// machine. Implementations must make CreateOrGet atomic and Transition a
// guarded single-row update that only fires from 'reserved'.
type ReservationStore interface {
	CreateOrGet(ctx context.Context, res *models.Reservation, cap models.CapCheck) (*models.Reservation, bool, error)
	GetByID(ctx context.Context, id string) (*models.Reservation, error)
	Transition(ctx context.Context, id string, to models.ReservationStatus) error
	Extend(ctx context.Context, id string, newExpiry time.Time) error
	FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
}

// ArtifactCleaner schedules asynchronous gateway teardown. Deliberately
// fire-and-forget: a reservation's own lifecycle never waits on a gateway.
type ArtifactCleaner interface {
	ScheduleCleanup(reservationID string)
}

// ReservationManager implements reserve, release and extend.
type ReservationManager struct {
	resolver *Resolver
	store    ReservationStore
	cleaner  ArtifactCleaner
	ttl      time.Duration
}

func NewReservationManager(resolver *Resolver, store ReservationStore, cleaner ArtifactCleaner, ttl time.Duration) *ReservationManager {
	return &ReservationManager{resolver: resolver, store: store, cleaner: cleaner, ttl: ttl}
}

// capFor decides which ledger scope enforces the total cap: a per-code cap
// counts that code's rows, an inherited promotion cap counts the whole
// promotion's.
func capFor(rc *models.ResolvedCode) models.CapCheck {
	cap := models.CapCheck{PerUser: rc.Promotion.MaxUsesPerUser}
	if rc.Code.MaxTotalUses != nil {
		cap.Total = rc.Code.MaxTotalUses
		return cap
	}
	cap.Total = rc.Promotion.MaxTotalUses
	cap.TotalByPromotion = true
	return cap
}

// Reserve claims the code for one cart. Retrying with the same
// (user, code, cartHash) returns the original claim; the snapshot freezes
// the discount the user saw.
func (m *ReservationManager) Reserve(ctx context.Context, in models.ReserveInput) (*models.Reservation, error) {
	if in.UserID == "" {
		return nil, models.Invalid("user_id", "required")
	}
	if in.CartHash == "" {
		return nil, models.Invalid("cart_hash", "required")
	}
	if in.CartTotal <= 0 {
		return nil, models.Invalid("cart_total", "must be positive")
	}
	if len(in.Currency) != 3 {
		return nil, models.Invalid("currency", "ISO currency required")
	}

	now := time.Now()
	rc, err := m.resolver.Resolve(ctx, in.Code, now)
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(in.Currency)
	if rc.Promotion.DiscountType == models.DiscountFixed && rc.Promotion.Currency != currency {
		return nil, models.Invalid("currency", "cart currency does not match the promotion")
	}

	res := &models.Reservation{
		ID:              uuid.New().String(),
		PromotionID:     rc.Promotion.ID,
		CodeID:          rc.Code.ID,
		UserID:          in.UserID,
		CartHash:        in.CartHash,
		DiscountType:    rc.Promotion.DiscountType,
		DiscountPercent: rc.Promotion.DiscountPercent,
		DiscountAmount:  rc.Promotion.DiscountAmount,
		Currency:        currency,
		ExpiresAt:       now.Add(m.ttl),
	}

	out, created, err := m.store.CreateOrGet(ctx, res, capFor(rc))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrPerUserLimitExceeded):
			metrics.LimitRejections.WithLabelValues("per_user").Inc()
		case errors.Is(err, models.ErrTotalLimitExceeded):
			metrics.LimitRejections.WithLabelValues("total").Inc()
		}
		return nil, err
	}
	if created {
		metrics.ReservationsCreated.Inc()
		log.Info().
			Str("reservation_id", out.ID).
			Str("user_id", out.UserID).
			Str("code", rc.Code.NormalizedCode).
			Time("expires_at", out.ExpiresAt).
			Msg("reservation created")
	}
	return out, nil
}

// Release is the explicit cancellation path. Idempotent: releasing an
// already released or expired claim succeeds without a write; releasing a
// committed claim fails ErrAlreadyFinalized.
func (m *ReservationManager) Release(ctx context.Context, id string) error {
	err := m.store.Transition(ctx, id, models.ReservationReleased)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotReserved), errors.Is(err, models.ErrReservationExpired):
		// already finished in a non-committed way; desired end state reached
	default:
		return err
	}
	m.cleaner.ScheduleCleanup(id)
	return nil
}

// Extend pushes the expiry while the claim is live, for checkout flows that
// legitimately outlast the default TTL (3-D Secure redirects and the like).
func (m *ReservationManager) Extend(ctx context.Context, id string, newExpiry time.Time) error {
	if !newExpiry.After(time.Now()) {
		return models.Invalid("expires_at", "must be in the future")
	}
	return m.store.Extend(ctx, id, newExpiry)
}

func (m *ReservationManager) Get(ctx context.Context, id string) (*models.Reservation, error) {
	return m.store.GetByID(ctx, id)
}
