// Package credentials implements the OAuth credential lifecycle: staleness
// checks, refresh exchanges against each platform's token endpoint, and
// persistence of rotated tokens.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/pulsemetrics/sync-engine/models"
	"github.com/pulsemetrics/sync-engine/pkg/encryption"
	"github.com/pulsemetrics/sync-engine/platform"
)

var (
	// ErrNeedsReconnect means no refresh is possible; the owner must redo
	// the authorization-code flow. Never auto-retried.
	ErrNeedsReconnect = errors.New("integration needs reconnect")

	// ErrRefreshFailed is a transient refresh failure. The stored credential
	// is left untouched so a later attempt can retry.
	ErrRefreshFailed = errors.New("token refresh failed")
)

const (
	// stalenessBuffer is subtracted from the expiry before comparing against
	// now, so tokens are refreshed before they actually lapse mid-request.
	stalenessBuffer = 300 * time.Second

	// defaultTokenLifetime applies when the platform omits expires_in.
	defaultTokenLifetime = 3600 * time.Second

	refreshTimeout = 15 * time.Second
)

// Access is the result of EnsureValid: a usable access token plus the
// platform account id the credential is bound to.
type Access struct {
	Token     string
	AccountID string
	Refreshed bool
}

// Manager decides token staleness and performs refresh exchanges.
type Manager struct {
	repo       models.CredentialRepository
	registry   *platform.Registry
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewManager(repo models.CredentialRepository, registry *platform.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		repo:       repo,
		registry:   registry,
		httpClient: &http.Client{Timeout: refreshTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// EnsureValid returns a usable access token for (service, owner), refreshing
// it first when stale. A token with unknown expiry is always treated as
// stale. A failed refresh leaves the stored credential untouched.
func (m *Manager) EnsureValid(ctx context.Context, service, ownerID string) (*Access, error) {
	cred, err := m.repo.Get(ctx, service, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	if !cred.Active {
		return nil, fmt.Errorf("%w: %s/%s is disconnected", ErrNeedsReconnect, service, ownerID)
	}

	if len(cred.AccessToken) == 0 && !cred.HasRefreshToken() {
		return nil, fmt.Errorf("%w: %s/%s has no tokens", ErrNeedsReconnect, service, ownerID)
	}

	if !m.isStale(cred) {
		token, err := encryption.Decrypt(cred.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}

		return &Access{Token: string(token), AccountID: cred.AccountID}, nil
	}

	return m.refresh(ctx, cred)
}

// isStale applies the staleness rule: unknown expiry is stale, otherwise
// stale once now passes expiry minus the buffer.
func (m *Manager) isStale(cred *models.Credential) bool {
	if cred.ExpiresAt == nil {
		return true
	}

	return !m.now().Before(cred.ExpiresAt.Add(-stalenessBuffer))
}

func (m *Manager) refresh(ctx context.Context, cred *models.Credential) (*Access, error) {
	if !cred.HasRefreshToken() {
		return nil, fmt.Errorf("%w: %s/%s has no refresh token", ErrNeedsReconnect, cred.Service, cred.OwnerID)
	}

	cfg, err := m.registry.Config(cred.Service)
	if err != nil {
		return nil, err
	}

	refreshToken, err := encryption.Decrypt(cred.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	tok, err := m.exchange(ctx, cfg, string(refreshToken))
	if err != nil {
		m.logger.Warn("token refresh failed",
			zap.String("service", cred.Service),
			zap.String("owner_id", cred.OwnerID),
			zap.Error(err))

		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	upd := models.TokenUpdate{ExpiresAt: tok.expiresAt}

	if upd.AccessToken, err = encryption.Encrypt([]byte(tok.AccessToken)); err != nil {
		return nil, err
	}

	// Platforms that rotate refresh tokens return a new one; the rest keep
	// the old token valid, so only overwrite when one came back.
	if tok.RefreshToken != "" {
		if upd.RefreshToken, err = encryption.Encrypt([]byte(tok.RefreshToken)); err != nil {
			return nil, err
		}
	}

	err = m.repo.UpdateTokens(ctx, cred.ID, cred.Version, upd)
	if errors.Is(err, models.ErrVersionConflict) {
		// A concurrent actor refreshed first. Its tokens are authoritative;
		// ours may carry a rotated refresh token that is already superseded.
		m.logger.Debug("concurrent refresh won the race, re-reading",
			zap.String("service", cred.Service),
			zap.String("owner_id", cred.OwnerID))

		fresh, err := m.repo.Get(ctx, cred.Service, cred.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read credential: %w", err)
		}

		token, err := encryption.Decrypt(fresh.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}

		return &Access{Token: string(token), AccountID: fresh.AccountID, Refreshed: true}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	return &Access{Token: tok.AccessToken, AccountID: cred.AccountID, Refreshed: true}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`

	expiresAt time.Time
}

// exchange performs the refresh_token grant. Client credentials go in the
// Authorization header or the form body depending on the platform.
func (m *Manager) exchange(ctx context.Context, cfg platform.Config, refreshToken string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	if cfg.AuthStyle == platform.AuthStyleBody {
		form.Set("client_id", cfg.ClientID)
		form.Set("client_secret", cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if cfg.AuthStyle == platform.AuthStyleBasic {
		req.SetBasicAuth(cfg.ClientID, cfg.ClientSecret)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	if tok.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	lifetime := defaultTokenLifetime
	if tok.ExpiresIn > 0 {
		lifetime = time.Duration(tok.ExpiresIn) * time.Second
	}

	tok.expiresAt = m.now().Add(lifetime)

	return &tok, nil
}

// Connect persists the outcome of an authorization-code exchange, activating
// the integration for (service, owner).
func (m *Manager) Connect(ctx context.Context, service, ownerID, accountID string, tok *oauth2.Token) error {
	accessToken, err := encryption.Encrypt([]byte(tok.AccessToken))
	if err != nil {
		return err
	}

	var refreshToken []byte
	if tok.RefreshToken != "" {
		if refreshToken, err = encryption.Encrypt([]byte(tok.RefreshToken)); err != nil {
			return err
		}
	}

	cred := models.Credential{
		Service:      service,
		OwnerID:      ownerID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccountID:    accountID,
		Active:       true,
	}

	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		cred.ExpiresAt = &expiry
	}

	if err := m.repo.Save(ctx, &cred); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	m.logger.Info("integration connected",
		zap.String("service", service),
		zap.String("owner_id", ownerID),
		zap.String("account_id", accountID))

	return nil
}

// Disconnect clears the stored tokens but keeps the credential row for
// audit continuity.
func (m *Manager) Disconnect(ctx context.Context, service, ownerID string) error {
	if err := m.repo.Disconnect(ctx, service, ownerID); err != nil {
		return err
	}

	m.logger.Info("integration disconnected",
		zap.String("service", service),
		zap.String("owner_id", ownerID))

	return nil
}
