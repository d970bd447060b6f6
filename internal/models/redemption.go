package models

import "time"

// Redemption is the immutable ledger row recording that a reservation was
// actually paid. It is the sole source of truth for usage counting; there is
// no mutable counter anywhere in the system.
type Redemption struct {
	ID              string // uuid
	PromotionID     int64
	CodeID          int64
	ReservationID   string
	UserID          string
	Gateway         string
	GatewayEventID  string
	DiscountApplied int64
	OriginalAmount  int64
	FinalAmount     int64
	Currency        string
	CommittedAt     time.Time
}

// CapCheck tells the storage layer which usage limits to enforce against the
// redemption ledger inside a write transaction.
type CapCheck struct {
	PerUser          int  // 0 = unlimited
	Total            *int // nil = unlimited
	TotalByPromotion bool // count ledger rows per promotion instead of per code
}

// UsageStats is derived from redemption rows on demand, never stored.
type UsageStats struct {
	Redemptions   int64 `json:"redemptions"`
	DistinctUsers int64 `json:"distinct_users"`
	TotalDiscount int64 `json:"total_discount"`
}
