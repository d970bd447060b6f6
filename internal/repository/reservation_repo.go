package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/promo-platform/promotion-engine/internal/models"
)

type ReservationRepo struct {
	db *sql.DB
}

func NewReservationRepo(db *sql.DB) *ReservationRepo {
	return &ReservationRepo{db: db}
}

const reservationColumns = `
	id, promotion_id, code_id, user_id, cart_hash,
	discount_type, discount_percent, discount_amount, currency,
	status, created_at, expires_at, committed_at
`

func scanReservation(row interface{ Scan(...interface{}) error }) (*models.Reservation, error) {
	var (
		res       models.Reservation
		committed sql.NullTime
	)
	err := row.Scan(
		&res.ID, &res.PromotionID, &res.CodeID, &res.UserID, &res.CartHash,
		&res.DiscountType, &res.DiscountPercent, &res.DiscountAmount, &res.Currency,
		&res.Status, &res.CreatedAt, &res.ExpiresAt, &committed,
	)
	if err != nil {
		return nil, err
	}
	if committed.Valid {
		t := committed.Time
		res.CommittedAt = &t
	}
	return &res, nil
}

func (r *ReservationRepo) GetByID(ctx context.Context, id string) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	res, err := scanReservation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "get reservation")
	}
	return res, nil
}

// CreateOrGet runs the reserve write path: the idempotency check, the
// ledger-based limit check and the insert all happen in one transaction. The
// partial unique index reservations_active_claim is what actually serializes
// two concurrent reserves for the same (user, code, cart) — a loser of that
// race gets a unique violation, re-reads, and returns the winner's row.
//
// The returned bool is true when a new row was inserted.
func (r *ReservationRepo) CreateOrGet(ctx context.Context, res *models.Reservation, cap models.CapCheck) (*models.Reservation, bool, error) {
	created, err := r.createOrGetTx(ctx, res, cap)
	if err != nil && isUniqueViolation(err, "reservations_active_claim") {
		existing, exErr := r.findClaim(ctx, res.UserID, res.CodeID, res.CartHash)
		if exErr != nil {
			return nil, false, exErr
		}
		if existing != nil {
			return existing, false, nil
		}
		// The winner vanished between the violation and the re-read; one
		// more attempt is safe because the whole path is idempotent.
		created, err = r.createOrGetTx(ctx, res, cap)
	}
	if err != nil {
		return nil, false, err
	}
	return created.reservation, created.inserted, nil
}

type createResult struct {
	reservation *models.Reservation
	inserted    bool
}

func (r *ReservationRepo) createOrGetTx(ctx context.Context, res *models.Reservation, cap models.CapCheck) (createResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return createResult{}, errors.Wrap(err, "begin tx")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Idempotency: a live claim for the same cart is returned unchanged,
	// a committed one is a hard stop.
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE user_id = $1 AND code_id = $2 AND cart_hash = $3
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`
	existing, err := scanReservation(tx.QueryRowContext(ctx, query, res.UserID, res.CodeID, res.CartHash))
	switch {
	case err == nil:
		now := time.Now()
		switch {
		case existing.Status == models.ReservationCommitted:
			return createResult{}, models.ErrAlreadyRedeemed
		case existing.Status == models.ReservationReserved && !existing.ExpiredAt(now):
			return createResult{reservation: existing}, tx.Commit()
		case existing.Status == models.ReservationReserved:
			// Stale claim the reaper has not visited yet: retire it here so
			// the partial unique index accepts the replacement.
			if _, err := tx.ExecContext(ctx,
				`UPDATE reservations SET status = 'expired' WHERE id = $1 AND status = 'reserved'`,
				existing.ID); err != nil {
				return createResult{}, errors.Wrap(err, "expire stale claim")
			}
		}
	case errors.Is(err, sql.ErrNoRows):
		// first claim for this cart
	default:
		return createResult{}, errors.Wrap(err, "find existing claim")
	}

	if err := checkCaps(ctx, tx, res, cap); err != nil {
		return createResult{}, err
	}

	const insert = `
		INSERT INTO reservations
			(id, promotion_id, code_id, user_id, cart_hash,
			 discount_type, discount_percent, discount_amount, currency, status, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'reserved',$10)
		RETURNING created_at
	`
	err = tx.QueryRowContext(ctx, insert,
		res.ID, res.PromotionID, res.CodeID, res.UserID, res.CartHash,
		res.DiscountType, res.DiscountPercent, res.DiscountAmount, res.Currency, res.ExpiresAt,
	).Scan(&res.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "reservations_active_claim") {
			return createResult{}, err
		}
		return createResult{}, errors.Wrap(err, "insert reservation")
	}
	res.Status = models.ReservationReserved

	if err := tx.Commit(); err != nil {
		return createResult{}, errors.Wrap(err, "commit")
	}
	return createResult{reservation: res, inserted: true}, nil
}

// checkCaps counts committed ledger rows; adding one more must not breach
// either limit. The definitive total-cap enforcement happens again at commit
// time under a promotion row lock.
func checkCaps(ctx context.Context, tx *sql.Tx, res *models.Reservation, cap models.CapCheck) error {
	if cap.PerUser > 0 {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM redemptions WHERE code_id = $1 AND user_id = $2`,
			res.CodeID, res.UserID,
		).Scan(&n)
		if err != nil {
			return errors.Wrap(err, "count user redemptions")
		}
		if n >= cap.PerUser {
			return models.ErrPerUserLimitExceeded
		}
	}
	if cap.Total != nil {
		var (
			n   int
			err error
		)
		if cap.TotalByPromotion {
			err = tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM redemptions WHERE promotion_id = $1`, res.PromotionID).Scan(&n)
		} else {
			err = tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM redemptions WHERE code_id = $1`, res.CodeID).Scan(&n)
		}
		if err != nil {
			return errors.Wrap(err, "count redemptions")
		}
		if n >= *cap.Total {
			return models.ErrTotalLimitExceeded
		}
	}
	return nil
}

func (r *ReservationRepo) findClaim(ctx context.Context, userID string, codeID int64, cartHash string) (*models.Reservation, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE user_id = $1 AND code_id = $2 AND cart_hash = $3 AND status = 'reserved'
	`
	res, err := scanReservation(r.db.QueryRowContext(ctx, query, userID, codeID, cartHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find claim")
	}
	return res, nil
}

// Transition moves a reservation from reserved to one terminal state. The
// guarded UPDATE only succeeds from 'reserved', so the state machine holds
// against any number of concurrent writers; when it does not fire, the
// current status decides the typed error.
func (r *ReservationRepo) Transition(ctx context.Context, id string, to models.ReservationStatus) error {
	if !to.Terminal() {
		return models.Invalid("status", "illegal transition target: "+string(to))
	}

	var (
		res sql.Result
		err error
	)
	if to == models.ReservationCommitted {
		res, err = r.db.ExecContext(ctx,
			`UPDATE reservations SET status = 'committed', committed_at = NOW() WHERE id = $1 AND status = 'reserved'`, id)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE reservations SET status = $2 WHERE id = $1 AND status = 'reserved'`, id, to)
	}
	if err != nil {
		return errors.Wrap(err, "transition reservation")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return r.transitionConflict(ctx, id)
}

func (r *ReservationRepo) transitionConflict(ctx context.Context, id string) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch current.Status {
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

// Extend pushes the expiry of a live reservation. Same guard as Transition:
// a finalized reservation accepts no writes.
func (r *ReservationRepo) Extend(ctx context.Context, id string, newExpiry time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE reservations SET expires_at = $2 WHERE id = $1 AND status = 'reserved' AND expires_at < $2`,
		id, newExpiry)
	if err != nil {
		return errors.Wrap(err, "extend reservation")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != models.ReservationReserved {
		return r.transitionConflict(ctx, id)
	}
	return models.Invalid("expires_at", "new expiry must be after the current one")
}

// FindExpired returns live reservations whose TTL elapsed before now,
// oldest first, bounded for sweep batching.
func (r *ReservationRepo) FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE status = 'reserved' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "find expired")
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan reservation")
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}
