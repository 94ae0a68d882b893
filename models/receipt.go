package models

import (
	"context"
	"time"
)

// WebhookReceipt is the durable record of one inbound webhook delivery.
// The payload is immutable once stored. Processed transitions false->true
// exactly once; a failed dispatch leaves it false with ErrorMessage set so
// the reconciliation drain can retry it.
type WebhookReceipt struct {
	ID           string     `json:"id"`
	Service      string     `json:"service"`
	EventType    string     `json:"event_type"`
	ObjectID     string     `json:"object_id"`
	AccountID    string     `json:"account_id"`
	OwnerID      string     `json:"owner_id"`
	Payload      []byte     `json:"-"`
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at"`
	ErrorMessage string     `json:"error_message"`
	ArchivedAt   *time.Time `json:"archived_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ReceiptRepository manages webhook receipt persistence. Receipts are never
// deleted; old payloads are offloaded to archive storage instead.
type ReceiptRepository interface {
	Create(ctx context.Context, receipt *WebhookReceipt) error
	Get(ctx context.Context, id string) (*WebhookReceipt, error)
	MarkProcessed(ctx context.Context, id string, at time.Time, note string) error
	SetError(ctx context.Context, id string, message string) error
	// ListUnprocessed returns unprocessed receipts created after the cutoff,
	// oldest first, capped at limit.
	ListUnprocessed(ctx context.Context, cutoff time.Time, limit int) ([]WebhookReceipt, error)
	// CountAbandoned counts unprocessed receipts older than the cutoff,
	// which the drain will never pick up again.
	CountAbandoned(ctx context.Context, cutoff time.Time) (int, error)
	// ListArchivable returns processed, unarchived receipts created before
	// the cutoff.
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]WebhookReceipt, error)
	// MarkArchived records the archive location and clears the stored
	// payload. The row itself stays.
	MarkArchived(ctx context.Context, id string, location string, at time.Time) error
}
