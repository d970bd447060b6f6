package models

import "time"

// GatewayArtifact mirrors a reservation inside one payment gateway (e.g. an
// ephemeral coupon object). At most one artifact exists per
// (reservation, gateway) pair; rows are removed once the external object is
// torn down.
type GatewayArtifact struct {
	ID            int64
	ReservationID string
	Gateway       string
	ExternalID    string
	ExtraIDs      []string // secondary objects some gateways require
	ExpiresAt     time.Time
	CreatedAt     time.Time
}
