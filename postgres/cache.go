package postgres

import (
	"context"
	"database/sql"
)

// CacheRepository deletes derived-results cache rows so the reporting layer
// recomputes them. The sync engine never reads or writes cache contents.
type CacheRepository struct {
	db *sql.DB
}

func NewCacheRepository(db *sql.DB) *CacheRepository {
	return &CacheRepository{db: db}
}

func (r *CacheRepository) InvalidateOwner(ctx context.Context, ownerID string) error {
	query := `DELETE FROM cache_entries WHERE owner_id = $1`

	_, err := r.db.ExecContext(ctx, query, ownerID)

	return err
}

func (r *CacheRepository) Invalidate(ctx context.Context, ownerID, key string) error {
	query := `DELETE FROM cache_entries WHERE owner_id = $1 AND cache_key = $2`

	_, err := r.db.ExecContext(ctx, query, ownerID, key)

	return err
}
