package models

import "time"

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Terminal reports whether s is one of the three final states. Once terminal,
// a reservation accepts no further writes.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationCommitted || s == ReservationReleased || s == ReservationExpired
}

// Reservation is a time-boxed claim that a user intends to redeem a code
// against a specific cart. The discount fields are a snapshot taken at
// reserve time so later rule edits cannot change a quoted price.
type Reservation struct {
	ID              string // uuid
	PromotionID     int64
	CodeID          int64
	UserID          string
	CartHash        string
	DiscountType    DiscountType
	DiscountPercent int
	DiscountAmount  int64
	Currency        string
	Status          ReservationStatus
	CreatedAt       time.Time
	ExpiresAt       time.Time
	CommittedAt     *time.Time
}

// ExpiredAt reports whether the claim's TTL has elapsed as of now.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// DiscountFor computes the discount this snapshot grants against an original
// amount in minor units. Percentage discounts round down; fixed discounts are
// clamped so the result never exceeds the original amount.
func (r *Reservation) DiscountFor(originalAmount int64) int64 {
	if originalAmount <= 0 {
		return 0
	}
	var d int64
	switch r.DiscountType {
	case DiscountPercentage:
		d = originalAmount * int64(r.DiscountPercent) / 100
	case DiscountFixed:
		d = r.DiscountAmount
	}
	if d > originalAmount {
		d = originalAmount
	}
	if d < 0 {
		d = 0
	}
	return d
}
