package service

import (
	"context"
	"strings"
	"time"

	"github.com/promo-platform/promotion-engine/internal/cache"
	"github.com/promo-platform/promotion-engine/internal/models"
)

// Normalize maps a human-typed code to its canonical form. Every lookup in
// the system goes through this; no other component compares raw strings.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Resolver turns raw codes into a code+promotion pair and decides whether the
// pair is currently usable.
type Resolver struct {
	store PromotionStore
	cache *cache.ResolveCache
}

func NewResolver(store PromotionStore, resolveCache *cache.ResolveCache) *Resolver {
	return &Resolver{store: store, cache: resolveCache}
}

// Resolve returns the resolved code when it is usable as of asOf.
// ErrCodeNotFound when nothing matches the normalized form; ErrCodeInactive
// when the code or its promotion is disabled, paused, or outside the
// validity window. Liveness is checked after the (possibly cached) fetch so
// a cached row never bypasses the window.
func (r *Resolver) Resolve(ctx context.Context, rawCode string, asOf time.Time) (*models.ResolvedCode, error) {
	norm := Normalize(rawCode)
	if norm == "" {
		return nil, models.ErrCodeNotFound
	}

	rc, ok := r.cache.Get(ctx, norm)
	if !ok {
		var err error
		rc, err = r.store.ResolveCode(ctx, norm)
		if err != nil {
			return nil, err
		}
		r.cache.Set(ctx, norm, rc)
	}

	if !rc.Code.Active {
		return nil, models.ErrCodeInactive
	}
	if rc.Promotion.Status != models.PromotionActive {
		return nil, models.ErrCodeInactive
	}
	if !rc.Promotion.WithinWindow(asOf) {
		return nil, models.ErrCodeInactive
	}
	return rc, nil
}
