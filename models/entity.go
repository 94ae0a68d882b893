package models

import (
	"context"
	"time"
)

// EntityKind discriminates the locally mirrored record types.
type EntityKind string

const (
	EntityContact     EntityKind = "contact"
	EntityOpportunity EntityKind = "opportunity"
)

// Valid reports whether the kind is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	return k == EntityContact || k == EntityOpportunity
}

// EntityRecord is the local mirror of one remote object. (kind, external_id,
// owner_id) is the sole deduplication key; re-applying the same remote object
// never produces a second row. Deletes are soft: IsActive flips to false and
// the row stays.
type EntityRecord struct {
	ID              string         `json:"id"`
	Kind            EntityKind     `json:"kind"`
	ExternalID      string         `json:"external_id"`
	OwnerID         string         `json:"owner_id"`
	AccountID       string         `json:"account_id"`
	Attributes      map[string]any `json:"attributes"`
	RemoteUpdatedAt *time.Time     `json:"remote_updated_at"`
	IsActive        bool           `json:"is_active"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// EntityUpsert is the input to an idempotent create-or-update. A nil
// RemoteUpdatedAt falls back to arrival-order semantics.
type EntityUpsert struct {
	Kind            EntityKind
	ExternalID      string
	OwnerID         string
	AccountID       string
	Attributes      map[string]any
	RemoteUpdatedAt *time.Time
}

// EntityRepository manages local entity mirrors
type EntityRepository interface {
	// Upsert applies last-write-wins on (kind, external_id, owner_id) and
	// reactivates a soft-deleted row: the remote returning the object is
	// authoritative evidence it exists. When both sides carry a remote
	// timestamp and the incoming one is strictly older, the write is
	// skipped and the stored row returned unchanged.
	Upsert(ctx context.Context, upsert EntityUpsert) (*EntityRecord, error)
	// SoftDelete marks the row inactive. A missing row is a silent no-op;
	// deletes can race ahead of their creates in out-of-order delivery.
	SoftDelete(ctx context.Context, kind EntityKind, externalID, ownerID string) error
	Get(ctx context.Context, kind EntityKind, externalID, ownerID string) (*EntityRecord, error)
}

// CacheRepository invalidates the derived-results cache owned by the
// reporting layer. The sync engine never reads or writes cache contents.
type CacheRepository interface {
	InvalidateOwner(ctx context.Context, ownerID string) error
	Invalidate(ctx context.Context, ownerID, key string) error
}
