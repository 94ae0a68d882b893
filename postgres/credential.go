package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pulsemetrics/sync-engine/models"
)

type CredentialRepository struct {
	db *sql.DB
}

func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `id, service, owner_id, access_token, refresh_token, expires_at,
	account_id, active, version, last_sync_at, last_sync_error, created_at, updated_at`

func scanCredential(row interface{ Scan(...any) error }) (*models.Credential, error) {
	var (
		c        models.Credential
		expiry   sql.NullTime
		syncedAt sql.NullTime
	)

	err := row.Scan(
		&c.ID,
		&c.Service,
		&c.OwnerID,
		&c.AccessToken,
		&c.RefreshToken,
		&expiry,
		&c.AccountID,
		&c.Active,
		&c.Version,
		&syncedAt,
		&c.LastSyncError,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if expiry.Valid {
		t := expiry.Time
		c.ExpiresAt = &t
	}

	if syncedAt.Valid {
		t := syncedAt.Time
		c.LastSyncAt = &t
	}

	return &c, nil
}

func (r *CredentialRepository) Get(ctx context.Context, service, ownerID string) (*models.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE service = $1 AND owner_id = $2
	`

	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, service, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}

		return nil, err
	}

	return cred, nil
}

func (r *CredentialRepository) GetByAccountID(ctx context.Context, service, accountID string) (*models.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE service = $1 AND account_id = $2 AND active
	`

	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, service, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}

		return nil, err
	}

	return cred, nil
}

func (r *CredentialRepository) ListActive(ctx context.Context) ([]models.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE active
		ORDER BY service, owner_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []models.Credential

	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}

		creds = append(creds, *cred)
	}

	return creds, rows.Err()
}

func (r *CredentialRepository) Save(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (service, owner_id, access_token, refresh_token, expires_at, account_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (service, owner_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			account_id = EXCLUDED.account_id,
			active = EXCLUDED.active,
			version = credentials.version + 1,
			updated_at = NOW()
		RETURNING id, version
	`

	var expiry sql.NullTime
	if cred.ExpiresAt != nil {
		expiry = sql.NullTime{Time: *cred.ExpiresAt, Valid: true}
	}

	return r.db.QueryRowContext(ctx, query,
		cred.Service,
		cred.OwnerID,
		cred.AccessToken,
		cred.RefreshToken,
		expiry,
		cred.AccountID,
		cred.Active,
	).Scan(&cred.ID, &cred.Version)
}

// UpdateTokens writes the outcome of a token exchange guarded by the version
// the caller read. Zero rows updated means a concurrent refresh won the race.
func (r *CredentialRepository) UpdateTokens(ctx context.Context, id string, version int64, upd models.TokenUpdate) error {
	query := `
		UPDATE credentials
		SET access_token = $1,
			refresh_token = COALESCE(NULLIF($2::bytea, ''::bytea), refresh_token),
			expires_at = $3,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $4 AND version = $5
	`

	res, err := r.db.ExecContext(ctx, query, upd.AccessToken, upd.RefreshToken, upd.ExpiresAt, id, version)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return models.ErrVersionConflict
	}

	return nil
}

func (r *CredentialRepository) SetSyncStatus(ctx context.Context, id string, syncedAt time.Time, syncErr string) error {
	query := `
		UPDATE credentials
		SET last_sync_at = $1, last_sync_error = $2, updated_at = NOW()
		WHERE id = $3
	`

	_, err := r.db.ExecContext(ctx, query, syncedAt, syncErr, id)

	return err
}

func (r *CredentialRepository) Disconnect(ctx context.Context, service, ownerID string) error {
	query := `
		UPDATE credentials
		SET access_token = NULL,
			refresh_token = NULL,
			expires_at = NULL,
			active = FALSE,
			version = version + 1,
			updated_at = NOW()
		WHERE service = $1 AND owner_id = $2
	`

	res, err := r.db.ExecContext(ctx, query, service, ownerID)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return models.ErrNotFound
	}

	return nil
}
