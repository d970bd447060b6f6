package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/promo-platform/promotion-engine/internal/models"
)

type ArtifactRepo struct {
	db *sql.DB
}

func NewArtifactRepo(db *sql.DB) *ArtifactRepo {
	return &ArtifactRepo{db: db}
}

const artifactColumns = `
	id, reservation_id, gateway, external_id, extra_ids, expires_at, created_at
`

func scanArtifact(row interface{ Scan(...interface{}) error }) (*models.GatewayArtifact, error) {
	var a models.GatewayArtifact
	err := row.Scan(
		&a.ID, &a.ReservationID, &a.Gateway, &a.ExternalID,
		pq.Array(&a.ExtraIDs), &a.ExpiresAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Insert records a freshly materialized artifact. The (reservation, gateway)
// uniqueness is the at-most-one guarantee; a violation tells the caller
// another worker won the race.
func (r *ArtifactRepo) Insert(ctx context.Context, a *models.GatewayArtifact) error {
	const query = `
		INSERT INTO gateway_artifacts (reservation_id, gateway, external_id, extra_ids, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		a.ReservationID, a.Gateway, a.ExternalID, pq.Array(a.ExtraIDs), a.ExpiresAt,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return models.ErrArtifactExists
		}
		return errors.Wrap(err, "insert artifact")
	}
	return nil
}

func (r *ArtifactRepo) Get(ctx context.Context, reservationID, gateway string) (*models.GatewayArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM gateway_artifacts WHERE reservation_id = $1 AND gateway = $2`
	a, err := scanArtifact(r.db.QueryRowContext(ctx, query, reservationID, gateway))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, errors.Wrap(err, "get artifact")
	}
	return a, nil
}

func (r *ArtifactRepo) ListByReservation(ctx context.Context, reservationID string) ([]models.GatewayArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM gateway_artifacts WHERE reservation_id = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, reservationID)
	if err != nil {
		return nil, errors.Wrap(err, "list artifacts")
	}
	defer rows.Close()

	var out []models.GatewayArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan artifact")
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Delete removes the row once the external object is gone. Idempotent.
func (r *ArtifactRepo) Delete(ctx context.Context, reservationID, gateway string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM gateway_artifacts WHERE reservation_id = $1 AND gateway = $2`,
		reservationID, gateway)
	return errors.Wrap(err, "delete artifact")
}

// FindOrphaned returns artifacts whose reservation reached a terminal state
// before the cutoff. These are leftovers the reaper still has to tear down.
func (r *ArtifactRepo) FindOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]models.GatewayArtifact, error) {
	query := `
		SELECT a.id, a.reservation_id, a.gateway, a.external_id, a.extra_ids, a.expires_at, a.created_at
		FROM gateway_artifacts a
		JOIN reservations r ON r.id = a.reservation_id
		WHERE r.status <> 'reserved' AND a.created_at < $1
		ORDER BY a.id
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "find orphaned artifacts")
	}
	defer rows.Close()

	var out []models.GatewayArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan artifact")
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
