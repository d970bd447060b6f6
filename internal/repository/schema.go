package repository

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// The invariants that matter live here, not in calling code: CHECK
// constraints for rule shape and amount consistency, UNIQUE constraints as
// the only concurrency control for contended inserts, and a partial unique
// index that makes the (user, code, cart) claim idempotent while it is live.
const schema = `
CREATE TABLE IF NOT EXISTS promotions (
	id                BIGSERIAL PRIMARY KEY,
	discount_type     TEXT        NOT NULL CHECK (discount_type IN ('percentage', 'fixed_amount')),
	discount_percent  INT         CHECK (discount_percent BETWEEN 1 AND 100),
	discount_amount   BIGINT      CHECK (discount_amount > 0),
	currency          TEXT,
	max_total_uses    INT         CHECK (max_total_uses > 0),
	max_uses_per_user INT         NOT NULL DEFAULT 1 CHECK (max_uses_per_user >= 0),
	valid_from        TIMESTAMPTZ NOT NULL,
	valid_until       TIMESTAMPTZ,
	status            TEXT        NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'paused', 'expired', 'disabled')),
	created_by        TEXT        NOT NULL,
	notes             TEXT        NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT promotions_kind_shape CHECK (
		(discount_type = 'percentage' AND discount_percent IS NOT NULL AND discount_amount IS NULL AND currency IS NULL)
		OR
		(discount_type = 'fixed_amount' AND discount_amount IS NOT NULL AND currency IS NOT NULL AND discount_percent IS NULL)
	),
	CONSTRAINT promotions_window CHECK (valid_until IS NULL OR valid_until > valid_from)
);

CREATE TABLE IF NOT EXISTS promotion_codes (
	id              BIGSERIAL PRIMARY KEY,
	promotion_id    BIGINT      NOT NULL REFERENCES promotions (id),
	code            TEXT        NOT NULL,
	normalized_code TEXT        NOT NULL,
	max_total_uses  INT         CHECK (max_total_uses > 0),
	active          BOOLEAN     NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT promotion_codes_normalized_key UNIQUE (normalized_code)
);

CREATE TABLE IF NOT EXISTS reservations (
	id               UUID        PRIMARY KEY,
	promotion_id     BIGINT      NOT NULL REFERENCES promotions (id),
	code_id          BIGINT      NOT NULL REFERENCES promotion_codes (id),
	user_id          TEXT        NOT NULL,
	cart_hash        TEXT        NOT NULL,
	discount_type    TEXT        NOT NULL,
	discount_percent INT         NOT NULL DEFAULT 0,
	discount_amount  BIGINT      NOT NULL DEFAULT 0,
	currency         TEXT        NOT NULL,
	status           TEXT        NOT NULL DEFAULT 'reserved' CHECK (status IN ('reserved', 'committed', 'released', 'expired')),
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at       TIMESTAMPTZ NOT NULL,
	committed_at     TIMESTAMPTZ,
	CONSTRAINT reservations_committed_at CHECK ((status = 'committed') = (committed_at IS NOT NULL))
);

-- One live claim per (user, code, cart). Finished claims drop out of the
-- index so a released or expired checkout can re-reserve the same cart.
CREATE UNIQUE INDEX IF NOT EXISTS reservations_active_claim
	ON reservations (user_id, code_id, cart_hash)
	WHERE status = 'reserved';

CREATE INDEX IF NOT EXISTS reservations_expiry
	ON reservations (expires_at)
	WHERE status = 'reserved';

CREATE TABLE IF NOT EXISTS gateway_artifacts (
	id             BIGSERIAL PRIMARY KEY,
	reservation_id UUID        NOT NULL REFERENCES reservations (id),
	gateway        TEXT        NOT NULL,
	external_id    TEXT        NOT NULL,
	extra_ids      TEXT[]      NOT NULL DEFAULT '{}',
	expires_at     TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT gateway_artifacts_pair_key     UNIQUE (reservation_id, gateway),
	CONSTRAINT gateway_artifacts_external_key UNIQUE (gateway, external_id)
);

CREATE TABLE IF NOT EXISTS redemptions (
	id               UUID        PRIMARY KEY,
	promotion_id     BIGINT      NOT NULL REFERENCES promotions (id),
	code_id          BIGINT      NOT NULL REFERENCES promotion_codes (id),
	reservation_id   UUID        NOT NULL REFERENCES reservations (id),
	user_id          TEXT        NOT NULL,
	gateway          TEXT        NOT NULL,
	gateway_event_id TEXT        NOT NULL,
	discount_applied BIGINT      NOT NULL,
	original_amount  BIGINT      NOT NULL,
	final_amount     BIGINT      NOT NULL,
	currency         TEXT        NOT NULL,
	committed_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT redemptions_reservation_key UNIQUE (reservation_id),
	CONSTRAINT redemptions_event_key       UNIQUE (gateway, gateway_event_id),
	CONSTRAINT redemptions_amounts CHECK (
		discount_applied >= 0
		AND discount_applied <= original_amount
		AND final_amount = original_amount - discount_applied
	)
);

CREATE INDEX IF NOT EXISTS redemptions_code_user ON redemptions (code_id, user_id);
CREATE INDEX IF NOT EXISTS redemptions_promotion ON redemptions (promotion_id);
`

// EnsureSchema creates all tables, constraints and indexes if they do not
// exist yet. Idempotent; run once at startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "ensure schema")
	}
	return nil
}
