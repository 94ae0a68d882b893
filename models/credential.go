package models

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an optimistic-locked write loses to a
// concurrent writer. Callers should re-read the row and decide whether the
// winner's state already satisfies them.
var ErrVersionConflict = errors.New("version conflict")

// Credential holds the OAuth tokens for one (service, owner) integration.
// Tokens are stored encrypted; the row survives disconnects with its tokens
// cleared so that sync history stays attributable.
type Credential struct {
	ID            string     `json:"id"`
	Service       string     `json:"service"`
	OwnerID       string     `json:"owner_id"`
	AccessToken   []byte     `json:"-"` // Stored encrypted
	RefreshToken  []byte     `json:"-"` // Stored encrypted
	ExpiresAt     *time.Time `json:"expires_at"` // nil means unknown
	AccountID     string     `json:"account_id"` // platform realm/location id
	Active        bool       `json:"active"`
	Version       int64      `json:"-"`
	LastSyncAt    *time.Time `json:"last_sync_at"`
	LastSyncError string     `json:"last_sync_error"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasRefreshToken reports whether a refresh exchange is possible at all.
func (c *Credential) HasRefreshToken() bool {
	return len(c.RefreshToken) > 0
}

// TokenUpdate carries the result of a refresh or authorization-code exchange.
// A nil RefreshToken keeps the previously stored one (some platforms do not
// rotate refresh tokens).
type TokenUpdate struct {
	AccessToken  []byte
	RefreshToken []byte
	ExpiresAt    time.Time
}

// CredentialRepository manages credential persistence
type CredentialRepository interface {
	Get(ctx context.Context, service, ownerID string) (*Credential, error)
	// GetByAccountID resolves the active credential that owns a platform
	// account/realm id. Used to attribute inbound webhook deliveries.
	GetByAccountID(ctx context.Context, service, accountID string) (*Credential, error)
	ListActive(ctx context.Context) ([]Credential, error)
	Save(ctx context.Context, cred *Credential) error
	// UpdateTokens persists the result of a token exchange. The write is
	// guarded by the credential's version; ErrVersionConflict means another
	// actor refreshed concurrently and its tokens are already in place.
	UpdateTokens(ctx context.Context, id string, version int64, upd TokenUpdate) error
	SetSyncStatus(ctx context.Context, id string, syncedAt time.Time, syncErr string) error
	// Disconnect clears the stored tokens and deactivates the integration
	// without deleting the row.
	Disconnect(ctx context.Context, service, ownerID string) error
}
