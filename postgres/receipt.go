package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pulsemetrics/sync-engine/models"
)

type ReceiptRepository struct {
	db *sql.DB
}

func NewReceiptRepository(db *sql.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

const receiptColumns = `id, service, event_type, object_id, account_id, owner_id, payload,
	processed, processed_at, error_message, archived_at, created_at`

func scanReceipt(row interface{ Scan(...any) error }) (*models.WebhookReceipt, error) {
	var (
		rec         models.WebhookReceipt
		processedAt sql.NullTime
		archivedAt  sql.NullTime
	)

	err := row.Scan(
		&rec.ID,
		&rec.Service,
		&rec.EventType,
		&rec.ObjectID,
		&rec.AccountID,
		&rec.OwnerID,
		&rec.Payload,
		&rec.Processed,
		&processedAt,
		&rec.ErrorMessage,
		&archivedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}

	if archivedAt.Valid {
		t := archivedAt.Time
		rec.ArchivedAt = &t
	}

	return &rec, nil
}

func (r *ReceiptRepository) Create(ctx context.Context, receipt *models.WebhookReceipt) error {
	if receipt.ID == "" {
		receipt.ID = uuid.New().String()
	}

	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO webhook_receipts (id, service, event_type, object_id, account_id, owner_id, payload, processed, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, '', $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		receipt.ID,
		receipt.Service,
		receipt.EventType,
		receipt.ObjectID,
		receipt.AccountID,
		receipt.OwnerID,
		receipt.Payload,
		receipt.CreatedAt,
	)

	return err
}

func (r *ReceiptRepository) Get(ctx context.Context, id string) (*models.WebhookReceipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM webhook_receipts WHERE id = $1`

	rec, err := scanReceipt(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}

		return nil, err
	}

	return rec, nil
}

// MarkProcessed flips processed exactly once. The note lands in
// error_message for receipts closed without a successful dispatch, such as
// ones whose integration disappeared before the drain reached them.
func (r *ReceiptRepository) MarkProcessed(ctx context.Context, id string, at time.Time, note string) error {
	query := `
		UPDATE webhook_receipts
		SET processed = TRUE, processed_at = $1, error_message = $2
		WHERE id = $3 AND NOT processed
	`

	res, err := r.db.ExecContext(ctx, query, at, note, id)
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

func (r *ReceiptRepository) SetError(ctx context.Context, id string, message string) error {
	query := `
		UPDATE webhook_receipts
		SET error_message = $1
		WHERE id = $2 AND NOT processed
	`

	_, err := r.db.ExecContext(ctx, query, message, id)

	return err
}

func (r *ReceiptRepository) ListUnprocessed(ctx context.Context, cutoff time.Time, limit int) ([]models.WebhookReceipt, error) {
	query := `
		SELECT ` + receiptColumns + `
		FROM webhook_receipts
		WHERE NOT processed AND created_at >= $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	return r.listReceipts(ctx, query, cutoff, limit)
}

func (r *ReceiptRepository) CountAbandoned(ctx context.Context, cutoff time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM webhook_receipts WHERE NOT processed AND created_at < $1`

	var count int
	if err := r.db.QueryRowContext(ctx, query, cutoff).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (r *ReceiptRepository) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]models.WebhookReceipt, error) {
	query := `
		SELECT ` + receiptColumns + `
		FROM webhook_receipts
		WHERE processed AND archived_at IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	return r.listReceipts(ctx, query, cutoff, limit)
}

func (r *ReceiptRepository) MarkArchived(ctx context.Context, id string, location string, at time.Time) error {
	query := `
		UPDATE webhook_receipts
		SET archive_location = $1, archived_at = $2, payload = NULL
		WHERE id = $3
	`

	_, err := r.db.ExecContext(ctx, query, location, at, id)

	return err
}

func (r *ReceiptRepository) listReceipts(ctx context.Context, query string, args ...any) ([]models.WebhookReceipt, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []models.WebhookReceipt

	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}

		receipts = append(receipts, *rec)
	}

	return receipts, rows.Err()
}
