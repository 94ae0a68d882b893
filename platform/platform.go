// Package platform holds the per-platform configuration and the typed HTTP
// clients for each integrated SaaS platform's data API. Platforms are
// registered explicitly at startup; there are no global mutable registries.
package platform

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// AuthStyle selects how client credentials are submitted to the platform's
// token endpoint during a refresh exchange.
type AuthStyle int

const (
	// AuthStyleBasic sends client id/secret as an HTTP Basic Authorization
	// header.
	AuthStyleBasic AuthStyle = iota + 1
	// AuthStyleBody embeds client id/secret in the form body.
	AuthStyleBody
)

// Config describes one integrated platform. Instances are built in the
// runner from environment and injected; they are not mutated afterwards.
type Config struct {
	Name         string
	AuthURL      string
	TokenURL     string
	APIBase      string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthStyle    AuthStyle
}

// OAuth2 builds the oauth2 config used for the authorization-code connect
// flow. Token refresh does not go through this; the credential manager owns
// refresh semantics.
func (c Config) OAuth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

// Object is one platform-native entity record in normalized form. Attributes
// carry the raw platform fields; only ExternalID and UpdatedAt are
// interpreted by the sync engine.
type Object struct {
	ExternalID string
	UpdatedAt  *time.Time
	Attributes map[string]any
}

// Client is the typed data-API surface of one platform. Fetch methods return
// models.ErrNotFound-compatible errors only for transport-level failures;
// a missing remote object surfaces as ErrObjectGone.
type Client interface {
	FetchContact(ctx context.Context, accessToken, accountID, externalID string) (*Object, error)
	FetchOpportunity(ctx context.Context, accessToken, accountID, externalID string) (*Object, error)
	ListContacts(ctx context.Context, accessToken, accountID string) ([]Object, error)
	ListOpportunities(ctx context.Context, accessToken, accountID string) ([]Object, error)
}

// Registry maps service names to their config and client. Built once at
// startup, read-only afterwards.
type Registry struct {
	configs map[string]Config
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{
		configs: make(map[string]Config),
		clients: make(map[string]Client),
	}
}

func (r *Registry) Register(cfg Config, client Client) {
	r.configs[cfg.Name] = cfg
	r.clients[cfg.Name] = client
}

func (r *Registry) Config(name string) (Config, error) {
	cfg, ok := r.configs[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown platform: %s", name)
	}

	return cfg, nil
}

func (r *Registry) Client(name string) (Client, error) {
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform: %s", name)
	}

	return client, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}

	return names
}
