package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/promo-platform/promotion-engine/internal/events"
	"github.com/promo-platform/promotion-engine/internal/models"
)

// memStore backs the service tests with the same write-path semantics the
// SQL layer enforces through constraints: one live claim per
// (user, code, cart), guarded status transitions, unique gateway events, one
// redemption per reservation, and ledger-counted caps.
type memStore struct {
	mu sync.Mutex

	promotions map[int64]*models.Promotion
	codes      map[int64]*models.PromotionCode
	byNorm     map[string]int64

	reservations map[string]*models.Reservation
	redemptions  []*models.Redemption
	byEvent      map[string]*models.Redemption
	byResKey     map[string]*models.Redemption

	nextPromotionID int64
	nextCodeID      int64
}

func newMemStore() *memStore {
	return &memStore{
		promotions:   make(map[int64]*models.Promotion),
		codes:        make(map[int64]*models.PromotionCode),
		byNorm:       make(map[string]int64),
		reservations: make(map[string]*models.Reservation),
		byEvent:      make(map[string]*models.Redemption),
		byResKey:     make(map[string]*models.Redemption),
	}
}

func eventKey(gateway, eventID string) string { return gateway + "|" + eventID }

// --- PromotionStore ---

func (m *memStore) Create(ctx context.Context, p *models.Promotion, codes []models.PromotionCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range codes {
		if _, taken := m.byNorm[codes[i].NormalizedCode]; taken {
			return models.Invalid("code", "already in use: "+codes[i].Code)
		}
	}
	m.nextPromotionID++
	p.ID = m.nextPromotionID
	p.CreatedAt = time.Now()
	cp := *p
	m.promotions[p.ID] = &cp
	for i := range codes {
		m.nextCodeID++
		codes[i].ID = m.nextCodeID
		codes[i].PromotionID = p.ID
		cc := codes[i]
		m.codes[cc.ID] = &cc
		m.byNorm[cc.NormalizedCode] = cc.ID
	}
	return nil
}

func (m *memStore) Update(ctx context.Context, id int64, patch models.PromotionPatch) (*models.Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promotions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if patch.MaxTotalUses != nil {
		v := *patch.MaxTotalUses
		p.MaxTotalUses = &v
	}
	if patch.MaxUsesPerUser != nil {
		p.MaxUsesPerUser = *patch.MaxUsesPerUser
	}
	if patch.ValidUntil != nil {
		v := *patch.ValidUntil
		p.ValidUntil = &v
	}
	if patch.Notes != nil {
		p.Notes = *patch.Notes
	}
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (m *memStore) SetStatus(ctx context.Context, id int64, status models.PromotionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promotions[id]
	if !ok {
		return models.ErrNotFound
	}
	p.Status = status
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id int64) (*models.Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promotions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) FindActive(ctx context.Context, asOf time.Time) ([]models.Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Promotion
	for _, p := range m.promotions {
		if p.Status == models.PromotionActive && p.WithinWindow(asOf) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) AddCode(ctx context.Context, c *models.PromotionCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byNorm[c.NormalizedCode]; taken {
		return models.Invalid("code", "already in use: "+c.Code)
	}
	m.nextCodeID++
	c.ID = m.nextCodeID
	cc := *c
	m.codes[c.ID] = &cc
	m.byNorm[c.NormalizedCode] = c.ID
	return nil
}

func (m *memStore) ListCodes(ctx context.Context, promotionID int64) ([]models.PromotionCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PromotionCode
	for _, c := range m.codes {
		if c.PromotionID == promotionID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) GetCode(ctx context.Context, codeID int64) (*models.PromotionCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (m *memStore) ResolveCode(ctx context.Context, normalized string) (*models.ResolvedCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byNorm[normalized]
	if !ok {
		return nil, models.ErrCodeNotFound
	}
	c := m.codes[id]
	p := m.promotions[c.PromotionID]
	return &models.ResolvedCode{Code: *c, Promotion: *p}, nil
}

// --- ReservationStore ---

func (m *memStore) CreateOrGet(ctx context.Context, res *models.Reservation, cap models.CapCheck) (*models.Reservation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Reservation
	for _, r := range m.reservations {
		if r.UserID != res.UserID || r.CodeID != res.CodeID || r.CartHash != res.CartHash {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest != nil {
		now := time.Now()
		switch {
		case latest.Status == models.ReservationCommitted:
			return nil, false, models.ErrAlreadyRedeemed
		case latest.Status == models.ReservationReserved && !latest.ExpiredAt(now):
			cp := *latest
			return &cp, false, nil
		case latest.Status == models.ReservationReserved:
			latest.Status = models.ReservationExpired
		}
	}

	if err := m.checkCapsLocked(res, cap); err != nil {
		return nil, false, err
	}

	res.Status = models.ReservationReserved
	res.CreatedAt = time.Now()
	cp := *res
	m.reservations[res.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *memStore) checkCapsLocked(res *models.Reservation, cap models.CapCheck) error {
	if cap.PerUser > 0 && m.countLocked(res.PromotionID, res.CodeID, res.UserID, false) >= cap.PerUser {
		return models.ErrPerUserLimitExceeded
	}
	if cap.Total != nil && m.countLocked(res.PromotionID, res.CodeID, "", cap.TotalByPromotion) >= *cap.Total {
		return models.ErrTotalLimitExceeded
	}
	return nil
}

func (m *memStore) countLocked(promotionID, codeID int64, userID string, byPromotion bool) int {
	n := 0
	for _, red := range m.redemptions {
		if byPromotion {
			if red.PromotionID != promotionID {
				continue
			}
		} else if red.CodeID != codeID {
			continue
		}
		if userID != "" && red.UserID != userID {
			continue
		}
		n++
	}
	return n
}

func (m *memStore) reservationByID(id string) (*models.Reservation, error) {
	r, ok := m.reservations[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return r, nil
}

func (m *memStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.reservationByID(id)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) Transition(ctx context.Context, id string, to models.ReservationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.reservationByID(id)
	if err != nil {
		return err
	}
	if r.Status != models.ReservationReserved {
		return transitionConflictErr(r.Status)
	}
	r.Status = to
	if to == models.ReservationCommitted {
		now := time.Now()
		r.CommittedAt = &now
	}
	return nil
}

func transitionConflictErr(current models.ReservationStatus) error {
	switch current {
	case models.ReservationCommitted:
		return models.ErrAlreadyFinalized
	case models.ReservationReleased:
		return models.ErrNotReserved
	case models.ReservationExpired:
		return models.ErrReservationExpired
	default:
		return models.ErrNotReserved
	}
}

func (m *memStore) Extend(ctx context.Context, id string, newExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.reservationByID(id)
	if err != nil {
		return err
	}
	if r.Status != models.ReservationReserved {
		return transitionConflictErr(r.Status)
	}
	if !newExpiry.After(r.ExpiresAt) {
		return models.Invalid("expires_at", "new expiry must be after the current one")
	}
	r.ExpiresAt = newExpiry
	return nil
}

func (m *memStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Reservation
	for _, r := range m.reservations {
		if r.Status == models.ReservationReserved && r.ExpiresAt.Before(now) {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// --- RedemptionStore ---

func (m *memStore) GetByEvent(ctx context.Context, gateway, eventID string) (*models.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	red, ok := m.byEvent[eventKey(gateway, eventID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *red
	return &cp, nil
}

func (m *memStore) Commit(ctx context.Context, red *models.Redemption, cap models.CapCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cap.PerUser > 0 && m.countLocked(red.PromotionID, red.CodeID, red.UserID, false) >= cap.PerUser {
		return models.ErrPerUserLimitExceeded
	}
	if cap.Total != nil && m.countLocked(red.PromotionID, red.CodeID, "", cap.TotalByPromotion) >= *cap.Total {
		return models.ErrTotalLimitExceeded
	}
	if _, dup := m.byEvent[eventKey(red.Gateway, red.GatewayEventID)]; dup {
		return models.ErrDuplicateEvent
	}
	if _, dup := m.byResKey[red.ReservationID]; dup {
		return models.ErrAlreadyFinalized
	}

	r, err := m.reservationByID(red.ReservationID)
	if err != nil {
		return err
	}
	if r.Status != models.ReservationReserved {
		return transitionConflictErr(r.Status)
	}

	red.CommittedAt = time.Now()
	cp := *red
	m.redemptions = append(m.redemptions, &cp)
	m.byEvent[eventKey(cp.Gateway, cp.GatewayEventID)] = &cp
	m.byResKey[cp.ReservationID] = &cp

	r.Status = models.ReservationCommitted
	r.CommittedAt = &cp.CommittedAt
	return nil
}

func (m *memStore) CountForUser(ctx context.Context, codeID int64, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(0, codeID, userID, false), nil
}

func (m *memStore) StatsForPromotion(ctx context.Context, promotionID int64) (*models.UsageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked(func(red *models.Redemption) bool { return red.PromotionID == promotionID }), nil
}

func (m *memStore) StatsForCode(ctx context.Context, codeID int64) (*models.UsageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked(func(red *models.Redemption) bool { return red.CodeID == codeID }), nil
}

func (m *memStore) statsLocked(match func(*models.Redemption) bool) *models.UsageStats {
	var s models.UsageStats
	users := make(map[string]bool)
	for _, red := range m.redemptions {
		if !match(red) {
			continue
		}
		s.Redemptions++
		s.TotalDiscount += red.DiscountApplied
		users[red.UserID] = true
	}
	s.DistinctUsers = int64(len(users))
	return &s
}

// reservationStoreAdapter renames GetReservation to GetByID; memStore cannot
// carry both the promotion and reservation GetByID signatures itself.
type reservationStoreAdapter struct{ *memStore }

func (a reservationStoreAdapter) GetByID(ctx context.Context, id string) (*models.Reservation, error) {
	return a.GetReservation(ctx, id)
}

// --- Collaborator fakes ---

type fakeCleaner struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeCleaner) ScheduleCleanup(reservationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, reservationID)
}

func (f *fakeCleaner) scheduled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.RedemptionEvent
	fail   error
}

func (f *fakePublisher) Publish(ctx context.Context, e events.RedemptionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakePublisher) published() []events.RedemptionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.RedemptionEvent(nil), f.events...)
}

// --- Seed helpers ---

func intPtr(v int) *int { return &v }

func seedPercentPromotion(store *memStore, code string, percent int, perUser int, total *int) *models.Promotion {
	p := &models.Promotion{
		DiscountType:    models.DiscountPercentage,
		DiscountPercent: percent,
		MaxTotalUses:    total,
		MaxUsesPerUser:  perUser,
		ValidFrom:       time.Now().Add(-time.Hour),
		Status:          models.PromotionActive,
		CreatedBy:       "admin-1",
	}
	codes := []models.PromotionCode{{
		Code:           code,
		NormalizedCode: Normalize(code),
		Active:         true,
	}}
	if err := store.Create(context.Background(), p, codes); err != nil {
		panic(fmt.Sprintf("seed promotion: %v", err))
	}
	return p
}

func seedFixedPromotion(store *memStore, code string, amount int64, currency string) *models.Promotion {
	p := &models.Promotion{
		DiscountType:   models.DiscountFixed,
		DiscountAmount: amount,
		Currency:       currency,
		ValidFrom:      time.Now().Add(-time.Hour),
		Status:         models.PromotionActive,
		CreatedBy:      "admin-1",
	}
	codes := []models.PromotionCode{{
		Code:           code,
		NormalizedCode: Normalize(code),
		Active:         true,
	}}
	if err := store.Create(context.Background(), p, codes); err != nil {
		panic(fmt.Sprintf("seed promotion: %v", err))
	}
	return p
}
