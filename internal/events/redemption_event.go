package events

import (
	"fmt"
	"time"

	"github.com/promo-platform/promotion-engine/internal/models"
)

// RedemptionEvent is the message the billing surface consumes to compute the
// final invoice amount. One event per committed redemption, keyed by
// reservation id.
type RedemptionEvent struct {
	RedemptionID    string    `json:"redemption_id"`
	ReservationID   string    `json:"reservation_id"`
	PromotionID     int64     `json:"promotion_id"`
	CodeID          int64     `json:"code_id"`
	UserID          string    `json:"user_id"`
	Gateway         string    `json:"gateway"`
	GatewayEventID  string    `json:"gateway_event_id"`
	DiscountApplied int64     `json:"discount_applied"`
	OriginalAmount  int64     `json:"original_amount"`
	FinalAmount     int64     `json:"final_amount"`
	Currency        string    `json:"currency"`
	CommittedAt     time.Time `json:"committed_at"`
}

// FromRedemption builds the wire event from a ledger row.
func FromRedemption(red *models.Redemption) RedemptionEvent {
	return RedemptionEvent{
		RedemptionID:    red.ID,
		ReservationID:   red.ReservationID,
		PromotionID:     red.PromotionID,
		CodeID:          red.CodeID,
		UserID:          red.UserID,
		Gateway:         red.Gateway,
		GatewayEventID:  red.GatewayEventID,
		DiscountApplied: red.DiscountApplied,
		OriginalAmount:  red.OriginalAmount,
		FinalAmount:     red.FinalAmount,
		Currency:        red.Currency,
		CommittedAt:     red.CommittedAt,
	}
}

// Validate keeps obviously broken events off the topic.
func (e RedemptionEvent) Validate() error {
	if e.RedemptionID == "" {
		return fmt.Errorf("redemption_id is required")
	}
	if e.ReservationID == "" {
		return fmt.Errorf("reservation_id is required")
	}
	if e.Gateway == "" || e.GatewayEventID == "" {
		return fmt.Errorf("gateway event identity is required")
	}
	if e.FinalAmount != e.OriginalAmount-e.DiscountApplied {
		return fmt.Errorf("amounts are inconsistent")
	}
	return nil
}
