// Package gateway defines the abstract payment-gateway surface the engine
// talks to. One Adapter per provider; nothing outside this package changes
// when a provider is added.
package gateway

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/promo-platform/promotion-engine/internal/models"
)

// ErrObjectMissing is returned by DeleteDiscountObject when the gateway no
// longer knows the object. Callers treat it as success: the desired end
// state, no artifact, is already reached.
var ErrObjectMissing = errors.New("gateway object missing")

// Snapshot is the reservation-time view of a discount, everything a gateway
// needs to create its ephemeral coupon object.
type Snapshot struct {
	ReservationID   string
	DiscountType    models.DiscountType
	DiscountPercent int
	DiscountAmount  int64
	Currency        string
	ExpiresAt       time.Time
}

// ExternalRef identifies the object(s) a gateway created for a snapshot.
// ExternalID is the primary handle; some providers create companion objects
// (e.g. a coupon plus a promotion-code object) tracked in ExtraIDs.
type ExternalRef struct {
	ExternalID string
	ExtraIDs   []string
}

// Adapter is implemented once per payment provider.
type Adapter interface {
	Name() string
	CreateDiscountObject(ctx context.Context, snap Snapshot) (ExternalRef, error)
	DeleteDiscountObject(ctx context.Context, ref ExternalRef) error
}

// Registry maps gateway names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered gateway names, sorted for stable iteration.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
