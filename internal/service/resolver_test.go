package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/promo-platform/promotion-engine/internal/models"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"save20", "SAVE20"},
		{"  Save20  ", "SAVE20"},
		{"SAVE20", "SAVE20"},
		{"\tsAvE20\n", "SAVE20"},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveNormalizesLookup(t *testing.T) {
	store := newMemStore()
	seedPercentPromotion(store, "SAVE20", 20, 0, nil)
	r := NewResolver(store, nil)
	ctx := context.Background()

	for _, raw := range []string{"save20", " SAVE20 ", "Save20"} {
		rc, err := r.Resolve(ctx, raw, time.Now())
		if err != nil {
			t.Fatalf("Resolve(%q): %v", raw, err)
		}
		if rc.Code.NormalizedCode != "SAVE20" {
			t.Errorf("Resolve(%q) hit %q", raw, rc.Code.NormalizedCode)
		}
	}

	if _, err := r.Resolve(ctx, "   ", time.Now()); !errors.Is(err, models.ErrCodeNotFound) {
		t.Errorf("blank code: expected ErrCodeNotFound, got %v", err)
	}
	if _, err := r.Resolve(ctx, "missing", time.Now()); !errors.Is(err, models.ErrCodeNotFound) {
		t.Errorf("unknown code: expected ErrCodeNotFound, got %v", err)
	}
}

func TestResolveLiveness(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive code", func(t *testing.T) {
		store := newMemStore()
		seedPercentPromotion(store, "OLD", 10, 0, nil)
		store.codes[1].Active = false
		r := NewResolver(store, nil)
		if _, err := r.Resolve(ctx, "OLD", time.Now()); !errors.Is(err, models.ErrCodeInactive) {
			t.Errorf("expected ErrCodeInactive, got %v", err)
		}
	})

	t.Run("paused promotion", func(t *testing.T) {
		store := newMemStore()
		promo := seedPercentPromotion(store, "PAUSED", 10, 0, nil)
		if err := store.SetStatus(ctx, promo.ID, models.PromotionPaused); err != nil {
			t.Fatal(err)
		}
		r := NewResolver(store, nil)
		if _, err := r.Resolve(ctx, "PAUSED", time.Now()); !errors.Is(err, models.ErrCodeInactive) {
			t.Errorf("expected ErrCodeInactive, got %v", err)
		}
	})

	t.Run("before window", func(t *testing.T) {
		store := newMemStore()
		promo := seedPercentPromotion(store, "SOON", 10, 0, nil)
		store.promotions[promo.ID].ValidFrom = time.Now().Add(time.Hour)
		r := NewResolver(store, nil)
		if _, err := r.Resolve(ctx, "SOON", time.Now()); !errors.Is(err, models.ErrCodeInactive) {
			t.Errorf("expected ErrCodeInactive, got %v", err)
		}
	})

	t.Run("after window", func(t *testing.T) {
		store := newMemStore()
		promo := seedPercentPromotion(store, "GONE", 10, 0, nil)
		until := time.Now().Add(-time.Minute)
		store.promotions[promo.ID].ValidUntil = &until
		r := NewResolver(store, nil)
		if _, err := r.Resolve(ctx, "GONE", time.Now()); !errors.Is(err, models.ErrCodeInactive) {
			t.Errorf("expected ErrCodeInactive, got %v", err)
		}
	})

	t.Run("window end is exclusive", func(t *testing.T) {
		store := newMemStore()
		promo := seedPercentPromotion(store, "EDGE", 10, 0, nil)
		until := time.Now().Add(time.Hour)
		store.promotions[promo.ID].ValidUntil = &until
		r := NewResolver(store, nil)
		if _, err := r.Resolve(ctx, "EDGE", until); !errors.Is(err, models.ErrCodeInactive) {
			t.Errorf("at valid_until: expected ErrCodeInactive, got %v", err)
		}
		if _, err := r.Resolve(ctx, "EDGE", until.Add(-time.Second)); err != nil {
			t.Errorf("just inside the window: %v", err)
		}
	})
}
