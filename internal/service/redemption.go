package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/promo-platform/promotion-engine/internal/events"
	"github.com/promo-platform/promotion-engine/internal/metrics"
	"github.com/promo-platform/promotion-engine/internal/models"
)

// RedemptionStore is the ledger surface. Commit must be atomic with the
// reservation flip and must re-enforce the total cap under a promotion lock.
type RedemptionStore interface {
	GetByEvent(ctx context.Context, gateway, eventID string) (*models.Redemption, error)
	Commit(ctx context.Context, red *models.Redemption, cap models.CapCheck) error
	CountForUser(ctx context.Context, codeID int64, userID string) (int, error)
	StatsForPromotion(ctx context.Context, promotionID int64) (*models.UsageStats, error)
	StatsForCode(ctx context.Context, codeID int64) (*models.UsageStats, error)
}

// EventPublisher emits the redemption stream the billing surface consumes.
type EventPublisher interface {
	Publish(ctx context.Context, e events.RedemptionEvent) error
}

// Committer is the only writer of the redemption ledger. It converts a
// reserved reservation into a committed redemption exactly once per gateway
// payment event.
type Committer struct {
	reservations ReservationStore
	redemptions  RedemptionStore
	promotions   PromotionStore
	publisher    EventPublisher
	cleaner      ArtifactCleaner
}

func NewCommitter(
	reservations ReservationStore,
	redemptions RedemptionStore,
	promotions PromotionStore,
	publisher EventPublisher,
	cleaner ArtifactCleaner,
) *Committer {
	return &Committer{
		reservations: reservations,
		redemptions:  redemptions,
		promotions:   promotions,
		publisher:    publisher,
		cleaner:      cleaner,
	}
}

// Commit is invoked by the billing collaborator once a gateway confirms
// payment. Duplicate deliveries of the same (gateway, event) return the
// original redemption unchanged.
func (c *Committer) Commit(ctx context.Context, in models.CommitInput) (*models.Redemption, error) {
	if in.ReservationID == "" {
		return nil, models.Invalid("reservation_id", "required")
	}
	if in.Gateway == "" || in.GatewayEventID == "" {
		return nil, models.Invalid("gateway_event", "gateway and event id required")
	}
	if in.OriginalAmount <= 0 {
		return nil, models.Invalid("original_amount", "must be positive")
	}

	// Webhook dedup before anything else.
	if existing, err := c.redemptions.GetByEvent(ctx, in.Gateway, in.GatewayEventID); err == nil {
		return existing, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	res, err := c.reservations.GetByID(ctx, in.ReservationID)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case models.ReservationReserved:
	case models.ReservationCommitted:
		return nil, models.ErrAlreadyFinalized
	case models.ReservationExpired:
		return nil, models.ErrReservationExpired
	default:
		return nil, models.ErrNotReserved
	}
	if res.ExpiredAt(time.Now()) {
		// TTL elapsed but the reaper has not visited yet; the caller must
		// re-quote or re-reserve.
		return nil, models.ErrReservationExpired
	}

	cap, err := c.capForReservation(ctx, res)
	if err != nil {
		return nil, err
	}

	discount := res.DiscountFor(in.OriginalAmount)
	red := &models.Redemption{
		ID:              uuid.New().String(),
		PromotionID:     res.PromotionID,
		CodeID:          res.CodeID,
		ReservationID:   res.ID,
		UserID:          res.UserID,
		Gateway:         in.Gateway,
		GatewayEventID:  in.GatewayEventID,
		DiscountApplied: discount,
		OriginalAmount:  in.OriginalAmount,
		FinalAmount:     in.OriginalAmount - discount,
		Currency:        res.Currency,
	}

	if err := c.redemptions.Commit(ctx, red, cap); err != nil {
		switch {
		case errors.Is(err, models.ErrDuplicateEvent):
			// Lost a race against a duplicate webhook; hand back the winner.
			return c.redemptions.GetByEvent(ctx, in.Gateway, in.GatewayEventID)
		case errors.Is(err, models.ErrPerUserLimitExceeded):
			metrics.LimitRejections.WithLabelValues("per_user").Inc()
			return nil, err
		case errors.Is(err, models.ErrTotalLimitExceeded):
			metrics.LimitRejections.WithLabelValues("total").Inc()
			return nil, err
		default:
			return nil, err
		}
	}

	metrics.RedemptionsCommitted.Inc()
	log.Info().
		Str("redemption_id", red.ID).
		Str("reservation_id", red.ReservationID).
		Str("gateway", red.Gateway).
		Int64("discount_applied", red.DiscountApplied).
		Msg("redemption committed")

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, events.FromRedemption(red)); err != nil {
			// The ledger row is the source of truth; the topic can be
			// backfilled from it.
			log.Error().Err(err).Str("redemption_id", red.ID).Msg("redemption event publish failed")
		}
	}
	if c.cleaner != nil {
		c.cleaner.ScheduleCleanup(red.ReservationID)
	}
	return red, nil
}

// capForReservation rebuilds the cap scope from current catalog rows; the
// cap itself may have been raised or lowered since reserve time and the
// commit-time check must see the latest value.
func (c *Committer) capForReservation(ctx context.Context, res *models.Reservation) (models.CapCheck, error) {
	code, err := c.promotions.GetCode(ctx, res.CodeID)
	if err != nil {
		return models.CapCheck{}, err
	}
	promo, err := c.promotions.GetByID(ctx, res.PromotionID)
	if err != nil {
		return models.CapCheck{}, err
	}
	rc := &models.ResolvedCode{Code: *code, Promotion: *promo}
	return capFor(rc), nil
}

// StatsForPromotion aggregates the ledger for one promotion.
func (c *Committer) StatsForPromotion(ctx context.Context, promotionID int64) (*models.UsageStats, error) {
	return c.redemptions.StatsForPromotion(ctx, promotionID)
}

// StatsForCode aggregates the ledger for one code.
func (c *Committer) StatsForCode(ctx context.Context, codeID int64) (*models.UsageStats, error) {
	return c.redemptions.StatsForCode(ctx, codeID)
}
