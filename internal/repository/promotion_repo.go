package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/promo-platform/promotion-engine/internal/models"
)

type PromotionRepo struct {
	db *sql.DB
}

func NewPromotionRepo(db *sql.DB) *PromotionRepo {
	return &PromotionRepo{db: db}
}

const promotionColumns = `
	id, discount_type, discount_percent, discount_amount, currency,
	max_total_uses, max_uses_per_user, valid_from, valid_until,
	status, created_by, notes, created_at, updated_at
`

func scanPromotion(row interface{ Scan(...interface{}) error }) (*models.Promotion, error) {
	var (
		p        models.Promotion
		percent  sql.NullInt64
		amount   sql.NullInt64
		currency sql.NullString
		totalCap sql.NullInt64
		until    sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.DiscountType, &percent, &amount, &currency,
		&totalCap, &p.MaxUsesPerUser, &p.ValidFrom, &until,
		&p.Status, &p.CreatedBy, &p.Notes, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if percent.Valid {
		p.DiscountPercent = int(percent.Int64)
	}
	if amount.Valid {
		p.DiscountAmount = amount.Int64
	}
	if currency.Valid {
		p.Currency = currency.String
	}
	if totalCap.Valid {
		cap := int(totalCap.Int64)
		p.MaxTotalUses = &cap
	}
	if until.Valid {
		t := until.Time
		p.ValidUntil = &t
	}
	return &p, nil
}

// nullable column helpers: the kind-shape CHECK requires genuine NULLs for
// the fields the discount kind does not use.

func percentColumn(p *models.Promotion) interface{} {
	if p.DiscountType == models.DiscountPercentage {
		return p.DiscountPercent
	}
	return nil
}

func amountColumn(p *models.Promotion) interface{} {
	if p.DiscountType == models.DiscountFixed {
		return p.DiscountAmount
	}
	return nil
}

func currencyColumn(p *models.Promotion) interface{} {
	if p.DiscountType == models.DiscountFixed {
		return p.Currency
	}
	return nil
}

// Create inserts a promotion and its initial codes in one transaction.
func (r *PromotionRepo) Create(ctx context.Context, p *models.Promotion, codes []models.PromotionCode) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const insertPromotion = `
		INSERT INTO promotions
			(discount_type, discount_percent, discount_amount, currency,
			 max_total_uses, max_uses_per_user, valid_from, valid_until, status, created_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, insertPromotion,
		p.DiscountType,
		percentColumn(p),
		amountColumn(p),
		currencyColumn(p),
		p.MaxTotalUses,
		p.MaxUsesPerUser,
		p.ValidFrom,
		p.ValidUntil,
		p.Status,
		p.CreatedBy,
		p.Notes,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "insert promotion")
	}

	const insertCode = `
		INSERT INTO promotion_codes (promotion_id, code, normalized_code, max_total_uses, active)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at
	`
	for i := range codes {
		c := &codes[i]
		c.PromotionID = p.ID
		err = tx.QueryRowContext(ctx, insertCode,
			c.PromotionID, c.Code, c.NormalizedCode, c.MaxTotalUses, c.Active,
		).Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			if isUniqueViolation(err, "promotion_codes_normalized_key") {
				return models.Invalid("code", "already in use: "+c.Code)
			}
			return errors.Wrap(err, "insert code")
		}
	}

	return errors.Wrap(tx.Commit(), "commit")
}

// Update applies an admin patch. Nil patch fields keep their current value.
func (r *PromotionRepo) Update(ctx context.Context, id int64, patch models.PromotionPatch) (*models.Promotion, error) {
	const query = `
		UPDATE promotions SET
			max_total_uses    = COALESCE($2, max_total_uses),
			max_uses_per_user = COALESCE($3, max_uses_per_user),
			valid_until       = COALESCE($4, valid_until),
			notes             = COALESCE($5, notes),
			updated_at        = NOW()
		WHERE id = $1
		RETURNING ` + promotionColumns
	p, err := scanPromotion(r.db.QueryRowContext(ctx, query,
		id, patch.MaxTotalUses, patch.MaxUsesPerUser, patch.ValidUntil, patch.Notes,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "update promotion")
	}
	return p, nil
}

func (r *PromotionRepo) SetStatus(ctx context.Context, id int64, status models.PromotionStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE promotions SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return errors.Wrap(err, "set status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *PromotionRepo) GetByID(ctx context.Context, id int64) (*models.Promotion, error) {
	query := `SELECT ` + promotionColumns + ` FROM promotions WHERE id = $1`
	p, err := scanPromotion(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "get promotion")
	}
	return p, nil
}

// FindActive returns promotions whose status is active and whose validity
// window contains asOf.
func (r *PromotionRepo) FindActive(ctx context.Context, asOf time.Time) ([]models.Promotion, error) {
	query := `
		SELECT ` + promotionColumns + `
		FROM promotions
		WHERE status = 'active'
		  AND valid_from <= $1
		  AND (valid_until IS NULL OR valid_until > $1)
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, asOf)
	if err != nil {
		return nil, errors.Wrap(err, "find active")
	}
	defer rows.Close()

	var out []models.Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan promotion")
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PromotionRepo) AddCode(ctx context.Context, c *models.PromotionCode) error {
	const query = `
		INSERT INTO promotion_codes (promotion_id, code, normalized_code, max_total_uses, active)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		c.PromotionID, c.Code, c.NormalizedCode, c.MaxTotalUses, c.Active,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "promotion_codes_normalized_key") {
			return models.Invalid("code", "already in use: "+c.Code)
		}
		return errors.Wrap(err, "insert code")
	}
	return nil
}

func (r *PromotionRepo) ListCodes(ctx context.Context, promotionID int64) ([]models.PromotionCode, error) {
	const query = `
		SELECT id, promotion_id, code, normalized_code, max_total_uses, active, created_at
		FROM promotion_codes WHERE promotion_id = $1 ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, promotionID)
	if err != nil {
		return nil, errors.Wrap(err, "list codes")
	}
	defer rows.Close()

	var out []models.PromotionCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan code")
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *PromotionRepo) GetCode(ctx context.Context, codeID int64) (*models.PromotionCode, error) {
	const query = `
		SELECT id, promotion_id, code, normalized_code, max_total_uses, active, created_at
		FROM promotion_codes WHERE id = $1
	`
	c, err := scanCode(r.db.QueryRowContext(ctx, query, codeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "get code")
	}
	return c, nil
}

func scanCode(row interface{ Scan(...interface{}) error }) (*models.PromotionCode, error) {
	var (
		c        models.PromotionCode
		totalCap sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.PromotionID, &c.Code, &c.NormalizedCode, &totalCap, &c.Active, &c.CreatedAt); err != nil {
		return nil, err
	}
	if totalCap.Valid {
		cap := int(totalCap.Int64)
		c.MaxTotalUses = &cap
	}
	return &c, nil
}

// ResolveCode fetches a code row and its promotion by normalized form.
// Activity and window checks belong to the resolver service; this is a plain
// lookup.
func (r *PromotionRepo) ResolveCode(ctx context.Context, normalized string) (*models.ResolvedCode, error) {
	const query = `
		SELECT
			c.id, c.promotion_id, c.code, c.normalized_code, c.max_total_uses, c.active, c.created_at,
			p.id, p.discount_type, p.discount_percent, p.discount_amount, p.currency,
			p.max_total_uses, p.max_uses_per_user, p.valid_from, p.valid_until,
			p.status, p.created_by, p.notes, p.created_at, p.updated_at
		FROM promotion_codes c
		JOIN promotions p ON p.id = c.promotion_id
		WHERE c.normalized_code = $1
	`
	var (
		rc          models.ResolvedCode
		codeCap     sql.NullInt64
		percent     sql.NullInt64
		amount      sql.NullInt64
		currency    sql.NullString
		promoCap    sql.NullInt64
		validUntil  sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, normalized).Scan(
		&rc.Code.ID, &rc.Code.PromotionID, &rc.Code.Code, &rc.Code.NormalizedCode, &codeCap, &rc.Code.Active, &rc.Code.CreatedAt,
		&rc.Promotion.ID, &rc.Promotion.DiscountType, &percent, &amount, &currency,
		&promoCap, &rc.Promotion.MaxUsesPerUser, &rc.Promotion.ValidFrom, &validUntil,
		&rc.Promotion.Status, &rc.Promotion.CreatedBy, &rc.Promotion.Notes, &rc.Promotion.CreatedAt, &rc.Promotion.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrCodeNotFound
		}
		return nil, errors.Wrap(err, "resolve code")
	}
	if codeCap.Valid {
		cap := int(codeCap.Int64)
		rc.Code.MaxTotalUses = &cap
	}
	if percent.Valid {
		rc.Promotion.DiscountPercent = int(percent.Int64)
	}
	if amount.Valid {
		rc.Promotion.DiscountAmount = amount.Int64
	}
	if currency.Valid {
		rc.Promotion.Currency = currency.String
	}
	if promoCap.Valid {
		cap := int(promoCap.Int64)
		rc.Promotion.MaxTotalUses = &cap
	}
	if validUntil.Valid {
		t := validUntil.Time
		rc.Promotion.ValidUntil = &t
	}
	return &rc, nil
}
