package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/pulsemetrics/sync-engine/models"
)

type EntityRepository struct {
	db *sql.DB
}

func NewEntityRepository(db *sql.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

const entityColumns = `id, kind, external_id, owner_id, account_id, attributes,
	remote_updated_at, is_active, created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*models.EntityRecord, error) {
	var (
		rec       models.EntityRecord
		attrs     []byte
		remoteTS  sql.NullTime
	)

	err := row.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.ExternalID,
		&rec.OwnerID,
		&rec.AccountID,
		&attrs,
		&remoteTS,
		&rec.IsActive,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if remoteTS.Valid {
		t := remoteTS.Time
		rec.RemoteUpdatedAt = &t
	}

	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
			return nil, err
		}
	}

	return &rec, nil
}

// Upsert is last-write-wins on (kind, external_id, owner_id). A concurrent
// create of the same key collapses into an update through the unique
// constraint rather than erroring. When both the incoming object and the
// stored row carry a remote timestamp and the incoming one is strictly
// older, the stored row wins and is returned unchanged.
func (r *EntityRepository) Upsert(ctx context.Context, upsert models.EntityUpsert) (*models.EntityRecord, error) {
	attrs, err := json.Marshal(upsert.Attributes)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO entity_records (kind, external_id, owner_id, account_id, attributes, remote_updated_at, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW(), NOW())
		ON CONFLICT (kind, external_id, owner_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			attributes = EXCLUDED.attributes,
			remote_updated_at = EXCLUDED.remote_updated_at,
			is_active = TRUE,
			updated_at = NOW()
		WHERE EXCLUDED.remote_updated_at IS NULL
			OR entity_records.remote_updated_at IS NULL
			OR EXCLUDED.remote_updated_at >= entity_records.remote_updated_at
		RETURNING ` + entityColumns + `
	`

	var remoteTS sql.NullTime
	if upsert.RemoteUpdatedAt != nil {
		remoteTS = sql.NullTime{Time: *upsert.RemoteUpdatedAt, Valid: true}
	}

	rec, err := scanEntity(r.db.QueryRowContext(ctx, query,
		upsert.Kind,
		upsert.ExternalID,
		upsert.OwnerID,
		upsert.AccountID,
		attrs,
		remoteTS,
	))
	if err == nil {
		return rec, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// The conditional update rejected a stale write; the stored row stands.
	return r.Get(ctx, upsert.Kind, upsert.ExternalID, upsert.OwnerID)
}

// SoftDelete marks the row inactive. Deleting a row that was never created
// is a no-op, since a delete event can outrun its create.
func (r *EntityRepository) SoftDelete(ctx context.Context, kind models.EntityKind, externalID, ownerID string) error {
	query := `
		UPDATE entity_records
		SET is_active = FALSE, updated_at = NOW()
		WHERE kind = $1 AND external_id = $2 AND owner_id = $3
	`

	_, err := r.db.ExecContext(ctx, query, kind, externalID, ownerID)

	return err
}

func (r *EntityRepository) Get(ctx context.Context, kind models.EntityKind, externalID, ownerID string) (*models.EntityRecord, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM entity_records
		WHERE kind = $1 AND external_id = $2 AND owner_id = $3
	`

	rec, err := scanEntity(r.db.QueryRowContext(ctx, query, kind, externalID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}

		return nil, err
	}

	return rec, nil
}
