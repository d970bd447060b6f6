package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	concurrency "github.com/promo-platform/promotion-engine/internal/concurrrency"
	"github.com/promo-platform/promotion-engine/internal/models"
)

func newCommitter(store *memStore) (*Committer, *fakePublisher, *fakeCleaner) {
	publisher := &fakePublisher{}
	cleaner := &fakeCleaner{}
	c := NewCommitter(reservationStoreAdapter{store}, store, store, publisher, cleaner)
	return c, publisher, cleaner
}

func reserve(t *testing.T, store *memStore, user, code, cartHash string) *models.Reservation {
	t.Helper()
	mgr, _ := newManager(store, 15*time.Minute)
	res, err := mgr.Reserve(context.Background(), models.ReserveInput{
		UserID: user, Code: code, CartHash: cartHash, CartTotal: 10000, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("reserve %s/%s: %v", user, code, err)
	}
	return res
}

func TestCommitAmountInvariant(t *testing.T) {
	store := newMemStore()
	seedPercentPromotion(store, "SAVE20", 20, 0, nil)
	committer, publisher, cleaner := newCommitter(store)
	ctx := context.Background()

	res := reserve(t, store, "alice", "SAVE20", "cart-1")
	red, err := committer.Commit(ctx, models.CommitInput{
		ReservationID:  res.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-1",
		OriginalAmount: 10000,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if red.DiscountApplied != 2000 {
		t.Errorf("discount = %d, want 2000", red.DiscountApplied)
	}
	if red.FinalAmount != red.OriginalAmount-red.DiscountApplied {
		t.Errorf("final %d != original %d - discount %d", red.FinalAmount, red.OriginalAmount, red.DiscountApplied)
	}

	got, _ := store.GetReservation(ctx, res.ID)
	if got.Status != models.ReservationCommitted {
		t.Errorf("reservation status = %s, want committed", got.Status)
	}
	if got.CommittedAt == nil {
		t.Error("committed_at not set")
	}

	if evts := publisher.published(); len(evts) != 1 || evts[0].RedemptionID != red.ID {
		t.Errorf("expected one published event for %s, got %+v", red.ID, evts)
	}
	if ids := cleaner.scheduled(); len(ids) != 1 || ids[0] != res.ID {
		t.Errorf("expected cleanup scheduled for %s, got %v", res.ID, ids)
	}
}

func TestCommitPercentageFloors(t *testing.T) {
	store := newMemStore()
	seedPercentPromotion(store, "THIRD", 33, 0, nil)
	committer, _, _ := newCommitter(store)

	res := reserve(t, store, "alice", "THIRD", "cart-1")
	red, err := committer.Commit(context.Background(), models.CommitInput{
		ReservationID:  res.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-1",
		OriginalAmount: 101, // 33% of 101 = 33.33
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if red.DiscountApplied != 33 {
		t.Errorf("discount = %d, want 33 (floored)", red.DiscountApplied)
	}
}

func TestCommitFixedClampedToOriginal(t *testing.T) {
	store := newMemStore()
	seedFixedPromotion(store, "BIGOFF", 5000, "USD")
	committer, _, _ := newCommitter(store)

	res := reserve(t, store, "alice", "BIGOFF", "cart-1")
	red, err := committer.Commit(context.Background(), models.CommitInput{
		ReservationID:  res.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-1",
		OriginalAmount: 1200,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if red.DiscountApplied != 1200 || red.FinalAmount != 0 {
		t.Errorf("discount/final = %d/%d, want 1200/0", red.DiscountApplied, red.FinalAmount)
	}
}

func TestCommitDuplicateEventReturnsOriginal(t *testing.T) {
	store := newMemStore()
	seedPercentPromotion(store, "SAVE20", 20, 0, nil)
	committer, publisher, _ := newCommitter(store)
	ctx := context.Background()

	res := reserve(t, store, "alice", "SAVE20", "cart-1")
	in := models.CommitInput{
		ReservationID:  res.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-dup",
		OriginalAmount: 10000,
	}
	first, err := committer.Commit(ctx, in)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	second, err := committer.Commit(ctx, in)
	if err != nil {
		t.Fatalf("duplicate commit: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate webhook minted a second redemption: %s vs %s", second.ID, first.ID)
	}
	if len(publisher.published()) != 1 {
		t.Errorf("duplicate webhook must not publish again, got %d events", len(publisher.published()))
	}
}

func TestCommitSecondEventSameReservation(t *testing.T) {
	store := newMemStore()
	seedPercentPromotion(store, "SAVE20", 20, 0, nil)
	committer, _, _ := newCommitter(store)
	ctx := context.Background()

	res := reserve(t, store, "alice", "SAVE20", "cart-1")
	if _, err := committer.Commit(ctx, models.CommitInput{
		ReservationID:  res.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-1",
		OriginalAmount: 10000,
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, err := committer.Commit(ctx, models.CommitInput{
		ReservationID:  res.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-2",
		OriginalAmount: 10000,
	})
	if !errors.Is(err, models.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestCommitExpiredReservation(t *testing.T) {
	store := newMemStore()
	seedPercentPromotion(store, "SAVE20", 20, 0, nil)
	committer, _, _ := newCommitter(store)

	mgr, _ := newManager(store, time.Millisecond)
	res, err := mgr.Reserve(context.Background(), models.ReserveInput{
		UserID: "alice", Code: "SAVE20", CartHash: "cart-1", CartTotal: 10000, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err = committer.Commit(context.Background(), models.CommitInput{
		ReservationID:  res.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-1",
		OriginalAmount: 10000,
	})
	if !errors.Is(err, models.ErrReservationExpired) {
		t.Fatalf("expected ErrReservationExpired, got %v", err)
	}
}

func TestCommitReleasedReservation(t *testing.T) {
	store := newMemStore()
	seedPercentPromotion(store, "SAVE20", 20, 0, nil)
	committer, _, _ := newCommitter(store)
	ctx := context.Background()

	res := reserve(t, store, "alice", "SAVE20", "cart-1")
	mgr, _ := newManager(store, 15*time.Minute)
	if err := mgr.Release(ctx, res.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, err := committer.Commit(ctx, models.CommitInput{
		ReservationID:  res.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-1",
		OriginalAmount: 10000,
	})
	if !errors.Is(err, models.ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}
}

func TestCommitTotalCapExact(t *testing.T) {
	store := newMemStore()
	seedPercentPromotion(store, "LIMIT2", 10, 0, intPtr(2))
	committer, _, _ := newCommitter(store)
	ctx := context.Background()

	users := []string{"u1", "u2", "u3"}
	var failures int
	for i, user := range users {
		res := reserve(t, store, user, "LIMIT2", "cart")
		_, err := committer.Commit(ctx, models.CommitInput{
			ReservationID:  res.ID,
			Gateway:        "sandbox",
			GatewayEventID: "evt-" + user,
			OriginalAmount: 10000,
		})
		switch {
		case err == nil:
		case errors.Is(err, models.ErrTotalLimitExceeded):
			failures++
		default:
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if failures != 1 {
		t.Errorf("cap of 2 over 3 commits: want exactly 1 rejection, got %d", failures)
	}

	stats, err := committer.StatsForCode(ctx, 1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Redemptions != 2 || stats.DistinctUsers != 2 {
		t.Errorf("stats = %+v, want 2 redemptions by 2 users", stats)
	}
}

func TestCommitPublishFailureStillCommits(t *testing.T) {
	store := newMemStore()
	seedPercentPromotion(store, "SAVE20", 20, 0, nil)
	publisher := &fakePublisher{fail: errors.New("broker down")}
	cleaner := &fakeCleaner{}
	committer := NewCommitter(reservationStoreAdapter{store}, store, store, publisher, cleaner)
	ctx := context.Background()

	res := reserve(t, store, "alice", "SAVE20", "cart-1")
	red, err := committer.Commit(ctx, models.CommitInput{
		ReservationID:  res.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-1",
		OriginalAmount: 10000,
	})
	if err != nil {
		t.Fatalf("commit must survive a publish failure: %v", err)
	}
	if got, _ := store.GetByEvent(ctx, "sandbox", "evt-1"); got.ID != red.ID {
		t.Error("ledger row missing after publish failure")
	}
}

// The shared two-user scenario: SAVE20 with a total cap of 1. Both users can
// hold a claim, exactly one commit lands, the loser sees the cap error, and
// the ledger plus stats reflect a single redemption.
func TestSaveTwentyScenario(t *testing.T) {
	store := newMemStore()
	promo := seedPercentPromotion(store, "SAVE20", 20, 0, intPtr(1))
	committer, _, _ := newCommitter(store)
	mgr, _ := newManager(store, 15*time.Minute)
	ctx := context.Background()

	aliceRes, err := mgr.Reserve(ctx, models.ReserveInput{
		UserID: "alice", Code: "SAVE20", CartHash: "cart-a", CartTotal: 10000, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("alice reserve: %v", err)
	}
	bobRes, err := mgr.Reserve(ctx, models.ReserveInput{
		UserID: "bob", Code: "save20 ", CartHash: "cart-b", CartTotal: 8000, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("bob reserve (should hold despite the cap): %v", err)
	}

	aliceRed, err := committer.Commit(ctx, models.CommitInput{
		ReservationID:  aliceRes.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-alice",
		OriginalAmount: 10000,
	})
	if err != nil {
		t.Fatalf("alice commit: %v", err)
	}
	if aliceRed.FinalAmount != 8000 {
		t.Errorf("alice final = %d, want 8000", aliceRed.FinalAmount)
	}

	_, err = committer.Commit(ctx, models.CommitInput{
		ReservationID:  bobRes.ID,
		Gateway:        "sandbox",
		GatewayEventID: "evt-bob",
		OriginalAmount: 8000,
	})
	if !errors.Is(err, models.ErrTotalLimitExceeded) {
		t.Fatalf("bob commit: expected ErrTotalLimitExceeded, got %v", err)
	}

	if got, _ := store.GetReservation(ctx, bobRes.ID); got.Status != models.ReservationReserved {
		t.Errorf("bob's claim should remain reserved for release/expiry, got %s", got.Status)
	}

	stats, err := committer.StatsForPromotion(ctx, promo.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Redemptions != 1 || stats.TotalDiscount != 2000 {
		t.Errorf("stats = %+v, want 1 redemption totaling 2000", stats)
	}
}

// Cap exactness under contention: N+k claims committing at once land exactly
// N ledger rows and k cap rejections, whatever order the workers arrive in.
func TestCommitTotalCapConcurrent(t *testing.T) {
	store := newMemStore()
	seedPercentPromotion(store, "LIMIT3", 10, 0, intPtr(3))
	committer, _, _ := newCommitter(store)

	const attempts = 8
	reservations := make([]*models.Reservation, attempts)
	for i := 0; i < attempts; i++ {
		reservations[i] = reserve(t, store, fmt.Sprintf("u%d", i), "LIMIT3", "cart")
	}

	errs := make([]error, attempts)
	concurrency.SimpleWorkerPool(context.Background(), attempts, func(ctx context.Context, i int) {
		_, errs[i] = committer.Commit(ctx, models.CommitInput{
			ReservationID:  reservations[i].ID,
			Gateway:        "sandbox",
			GatewayEventID: fmt.Sprintf("evt-%d", i),
			OriginalAmount: 10000,
		})
	})

	var committed, rejected int
	for i, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, models.ErrTotalLimitExceeded):
			rejected++
		default:
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if committed != 3 || rejected != attempts-3 {
		t.Errorf("cap of 3 over %d concurrent commits: %d committed, %d rejected", attempts, committed, rejected)
	}

	stats, err := committer.StatsForCode(context.Background(), 1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Redemptions != 3 || stats.DistinctUsers != 3 {
		t.Errorf("stats = %+v, want 3 redemptions by 3 users", stats)
	}
}

// staleReadStore hands the committer a snapshot that still looks reserved
// while the real row has already moved on, so the write-path guard has to
// name the winner.
type staleReadStore struct {
	reservationStoreAdapter
	staleID string
}

func (s staleReadStore) GetByID(ctx context.Context, id string) (*models.Reservation, error) {
	res, err := s.reservationStoreAdapter.GetByID(ctx, id)
	if err != nil || res.ID != s.staleID {
		return res, err
	}
	res.Status = models.ReservationReserved
	res.ExpiresAt = time.Now().Add(time.Hour)
	res.CommittedAt = nil
	return res, nil
}

func TestCommitLostRaceNamesWinner(t *testing.T) {
	cases := []struct {
		name   string
		status models.ReservationStatus
		want   error
	}{
		{"committed", models.ReservationCommitted, models.ErrAlreadyFinalized},
		{"expired", models.ReservationExpired, models.ErrReservationExpired},
		{"released", models.ReservationReleased, models.ErrNotReserved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			seedPercentPromotion(store, "SAVE20", 20, 0, nil)
			res := reserve(t, store, "alice", "SAVE20", "cart-1")
			store.reservations[res.ID].Status = tc.status

			committer := NewCommitter(
				staleReadStore{reservationStoreAdapter{store}, res.ID},
				store, store, &fakePublisher{}, &fakeCleaner{})
			_, err := committer.Commit(context.Background(), models.CommitInput{
				ReservationID:  res.ID,
				Gateway:        "sandbox",
				GatewayEventID: "evt-1",
				OriginalAmount: 10000,
			})
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
			if n, _ := store.StatsForCode(context.Background(), 1); n.Redemptions != 0 {
				t.Errorf("lost race wrote %d ledger rows", n.Redemptions)
			}
		})
	}
}
