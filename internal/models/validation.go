package models

import "time"

// Service-layer request structs. HTTP handlers decode their own DTOs and map
// onto these.

type CreateCodeInput struct {
	Code         string
	MaxTotalUses *int
}

type CreatePromotionInput struct {
	DiscountType    DiscountType
	DiscountPercent int
	DiscountAmount  int64
	Currency        string
	MaxTotalUses    *int
	MaxUsesPerUser  int
	ValidFrom       time.Time
	ValidUntil      *time.Time
	Notes           string
	Codes           []CreateCodeInput
}

// PromotionPatch carries admin edits; nil fields are left untouched.
type PromotionPatch struct {
	MaxTotalUses   *int
	MaxUsesPerUser *int
	ValidUntil     *time.Time
	Notes          *string
}

type ReserveInput struct {
	UserID    string
	Code      string
	CartHash  string
	CartTotal int64
	Currency  string
}

type CommitInput struct {
	ReservationID  string
	Gateway        string
	GatewayEventID string
	OriginalAmount int64
}
