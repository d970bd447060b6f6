package models

import "time"

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed_amount"
)

type PromotionStatus string

const (
	PromotionActive   PromotionStatus = "active"
	PromotionPaused   PromotionStatus = "paused"
	PromotionExpired  PromotionStatus = "expired"
	PromotionDisabled PromotionStatus = "disabled"
)

// Promotion is a discount rule. Rows are never deleted; lifecycle is driven
// through Status only.
type Promotion struct {
	ID              int64
	DiscountType    DiscountType
	DiscountPercent int   // 1..100, percentage promotions only
	DiscountAmount  int64 // minor units, fixed_amount promotions only
	Currency        string
	MaxTotalUses    *int // nil = unlimited
	MaxUsesPerUser  int
	ValidFrom       time.Time
	ValidUntil      *time.Time // nil = open-ended
	Status          PromotionStatus
	CreatedBy       string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WithinWindow reports whether ts falls in [ValidFrom, ValidUntil).
func (p *Promotion) WithinWindow(ts time.Time) bool {
	if ts.Before(p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && !ts.Before(*p.ValidUntil) {
		return false
	}
	return true
}

// PromotionCode is a human-typed alias for exactly one promotion. All lookups
// go through NormalizedCode; the raw form is kept for display only.
type PromotionCode struct {
	ID             int64
	PromotionID    int64
	Code           string
	NormalizedCode string
	MaxTotalUses   *int // nil = inherit the promotion cap
	Active         bool
	CreatedAt      time.Time
}

// ResolvedCode is the resolver output: a code joined with its promotion.
type ResolvedCode struct {
	Code      PromotionCode
	Promotion Promotion
}

// EffectiveTotalCap returns the per-code cap when set, otherwise the parent
// promotion's cap. Nil means unlimited.
func (rc *ResolvedCode) EffectiveTotalCap() *int {
	if rc.Code.MaxTotalUses != nil {
		return rc.Code.MaxTotalUses
	}
	return rc.Promotion.MaxTotalUses
}
