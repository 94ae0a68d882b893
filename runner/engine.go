package runner

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/pulsemetrics/sync-engine/config"
	"github.com/pulsemetrics/sync-engine/credentials"
	"github.com/pulsemetrics/sync-engine/platform"
	"github.com/pulsemetrics/sync-engine/postgres"
	"github.com/pulsemetrics/sync-engine/webhook"
)

// Engine bundles the storage layer and the domain services that every run
// mode needs.
type Engine struct {
	DB          *sql.DB
	Credentials *postgres.CredentialRepository
	Receipts    *postgres.ReceiptRepository
	Entities    *postgres.EntityRepository
	Cache       *postgres.CacheRepository
	Settings    *config.Service
	Registry    *platform.Registry
	Manager     *credentials.Manager
	Pipeline    *webhook.Pipeline
	Logger      *zap.Logger
}

// NewEngine opens the database and wires the repositories, the platform
// registry, the credential manager and the webhook pipeline.
func NewEngine(cfg *Config, logger *zap.Logger) (*Engine, error) {
	db, err := sql.Open("pgx", cfg.Dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	registry := platform.NewRegistry()
	registerPlatforms(registry)

	creds := postgres.NewCredentialRepository(db)
	manager := credentials.NewManager(creds, registry, logger)

	receipts := postgres.NewReceiptRepository(db)
	entities := postgres.NewEntityRepository(db)
	cache := postgres.NewCacheRepository(db)

	pipeline := webhook.NewPipeline(creds, receipts, entities, cache, manager, registry, logger)

	return &Engine{
		DB:          db,
		Credentials: creds,
		Receipts:    receipts,
		Entities:    entities,
		Cache:       cache,
		Settings:    config.New(db),
		Registry:    registry,
		Manager:     manager,
		Pipeline:    pipeline,
		Logger:      logger,
	}, nil
}

func (e *Engine) Close() error {
	return e.DB.Close()
}

// registerPlatforms wires every platform whose OAuth client is configured
// through the environment. A platform without credentials is simply absent
// from the registry.
func registerPlatforms(registry *platform.Registry) {
	if clientID := os.Getenv("HIGHLEVEL_CLIENT_ID"); clientID != "" {
		cfg := platform.Config{
			Name:         "highlevel",
			AuthURL:      envOrDefault("HIGHLEVEL_AUTH_URL", "https://marketplace.gohighlevel.com/oauth/chooselocation"),
			TokenURL:     envOrDefault("HIGHLEVEL_TOKEN_URL", "https://services.leadconnectorhq.com/oauth/token"),
			APIBase:      envOrDefault("HIGHLEVEL_API_BASE", "https://services.leadconnectorhq.com"),
			ClientID:     clientID,
			ClientSecret: os.Getenv("HIGHLEVEL_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("HIGHLEVEL_REDIRECT_URL"),
			Scopes:       []string{"contacts.readonly", "opportunities.readonly"},
			AuthStyle:    platform.AuthStyleBody,
		}
		registry.Register(cfg, platform.NewHighLevelClient(cfg))
	}

	if clientID := os.Getenv("QUICKBOOKS_CLIENT_ID"); clientID != "" {
		cfg := platform.Config{
			Name:         "quickbooks",
			AuthURL:      envOrDefault("QUICKBOOKS_AUTH_URL", "https://appcenter.intuit.com/connect/oauth2"),
			TokenURL:     envOrDefault("QUICKBOOKS_TOKEN_URL", "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"),
			APIBase:      envOrDefault("QUICKBOOKS_API_BASE", "https://quickbooks.api.intuit.com"),
			ClientID:     clientID,
			ClientSecret: os.Getenv("QUICKBOOKS_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("QUICKBOOKS_REDIRECT_URL"),
			Scopes:       []string{"com.intuit.quickbooks.accounting"},
			AuthStyle:    platform.AuthStyleBasic,
		}
		registry.Register(cfg, platform.NewQuickBooksClient(cfg))
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return defaultValue
}
