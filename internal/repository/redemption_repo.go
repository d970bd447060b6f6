package repository

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/promo-platform/promotion-engine/internal/models"
)

type RedemptionRepo struct {
	db *sql.DB
}

func NewRedemptionRepo(db *sql.DB) *RedemptionRepo {
	return &RedemptionRepo{db: db}
}

const redemptionColumns = `
	id, promotion_id, code_id, reservation_id, user_id,
	gateway, gateway_event_id, discount_applied, original_amount, final_amount,
	currency, committed_at
`

func scanRedemption(row interface{ Scan(...interface{}) error }) (*models.Redemption, error) {
	var red models.Redemption
	err := row.Scan(
		&red.ID, &red.PromotionID, &red.CodeID, &red.ReservationID, &red.UserID,
		&red.Gateway, &red.GatewayEventID, &red.DiscountApplied, &red.OriginalAmount, &red.FinalAmount,
		&red.Currency, &red.CommittedAt,
	)
	if err != nil {
		return nil, err
	}
	return &red, nil
}

// GetByEvent looks up a redemption by its gateway event key, the dedup handle
// for webhook retries.
func (r *RedemptionRepo) GetByEvent(ctx context.Context, gateway, eventID string) (*models.Redemption, error) {
	query := `SELECT ` + redemptionColumns + ` FROM redemptions WHERE gateway = $1 AND gateway_event_id = $2`
	red, err := scanRedemption(r.db.QueryRowContext(ctx, query, gateway, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "get redemption by event")
	}
	return red, nil
}

// Commit atomically appends the ledger row and flips the reservation to
// committed; both writes land or neither does. The promotion row is locked
// FOR UPDATE first so the commit-time cap recount serializes across
// concurrent commits — the cap stays a hard ceiling no matter the arrival
// order.
func (r *RedemptionRepo) Commit(ctx context.Context, red *models.Redemption, cap models.CapCheck) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var locked int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM promotions WHERE id = $1 FOR UPDATE`, red.PromotionID).Scan(&locked)
	if err != nil {
		return errors.Wrap(err, "lock promotion")
	}

	if cap.PerUser > 0 {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM redemptions WHERE code_id = $1 AND user_id = $2`,
			red.CodeID, red.UserID,
		).Scan(&n)
		if err != nil {
			return errors.Wrap(err, "count user redemptions")
		}
		if n >= cap.PerUser {
			return models.ErrPerUserLimitExceeded
		}
	}
	if cap.Total != nil {
		n, err := countCommitted(ctx, tx, red, cap)
		if err != nil {
			return err
		}
		if n >= *cap.Total {
			return models.ErrTotalLimitExceeded
		}
	}

	const insert = `
		INSERT INTO redemptions
			(id, promotion_id, code_id, reservation_id, user_id,
			 gateway, gateway_event_id, discount_applied, original_amount, final_amount, currency)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING committed_at
	`
	err = tx.QueryRowContext(ctx, insert,
		red.ID, red.PromotionID, red.CodeID, red.ReservationID, red.UserID,
		red.Gateway, red.GatewayEventID, red.DiscountApplied, red.OriginalAmount, red.FinalAmount, red.Currency,
	).Scan(&red.CommittedAt)
	if err != nil {
		switch {
		case isUniqueViolation(err, "redemptions_event_key"):
			return models.ErrDuplicateEvent
		case isUniqueViolation(err, "redemptions_reservation_key"):
			return models.ErrAlreadyFinalized
		}
		return errors.Wrap(err, "insert redemption")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = 'committed', committed_at = NOW() WHERE id = $1 AND status = 'reserved'`,
		red.ReservationID)
	if err != nil {
		return errors.Wrap(err, "flip reservation")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// The reservation left 'reserved' between the caller's check and this
		// write; abort the whole commit so no orphan ledger row exists. The
		// row's current status names the winner, same mapping as Transition.
		var status models.ReservationStatus
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM reservations WHERE id = $1`, red.ReservationID,
		).Scan(&status); err != nil {
			return models.ErrNotReserved
		}
		switch status {
		case models.ReservationCommitted:
			return models.ErrAlreadyFinalized
		case models.ReservationExpired:
			return models.ErrReservationExpired
		default:
			return models.ErrNotReserved
		}
	}

	return errors.Wrap(tx.Commit(), "commit")
}

func countCommitted(ctx context.Context, tx *sql.Tx, red *models.Redemption, cap models.CapCheck) (int, error) {
	var (
		n   int
		err error
	)
	if cap.TotalByPromotion {
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM redemptions WHERE promotion_id = $1`, red.PromotionID).Scan(&n)
	} else {
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM redemptions WHERE code_id = $1`, red.CodeID).Scan(&n)
	}
	if err != nil {
		return 0, errors.Wrap(err, "count committed redemptions")
	}
	return n, nil
}

// CountForUser counts committed redemptions of one code by one user.
func (r *RedemptionRepo) CountForUser(ctx context.Context, codeID int64, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM redemptions WHERE code_id = $1 AND user_id = $2`, codeID, userID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count user redemptions")
	}
	return n, nil
}

const statsQuery = `
	SELECT COUNT(*), COUNT(DISTINCT user_id), COALESCE(SUM(discount_applied), 0)
	FROM redemptions
`

// StatsForPromotion aggregates the ledger for one promotion. Always computed
// from rows, never a maintained counter.
func (r *RedemptionRepo) StatsForPromotion(ctx context.Context, promotionID int64) (*models.UsageStats, error) {
	var s models.UsageStats
	err := r.db.QueryRowContext(ctx, statsQuery+` WHERE promotion_id = $1`, promotionID).
		Scan(&s.Redemptions, &s.DistinctUsers, &s.TotalDiscount)
	if err != nil {
		return nil, errors.Wrap(err, "promotion stats")
	}
	return &s, nil
}

func (r *RedemptionRepo) StatsForCode(ctx context.Context, codeID int64) (*models.UsageStats, error) {
	var s models.UsageStats
	err := r.db.QueryRowContext(ctx, statsQuery+` WHERE code_id = $1`, codeID).
		Scan(&s.Redemptions, &s.DistinctUsers, &s.TotalDiscount)
	if err != nil {
		return nil, errors.Wrap(err, "code stats")
	}
	return &s, nil
}
