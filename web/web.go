// Package web exposes the HTTP surface: webhook intake, the OAuth connect
// flow, and integration status.
package web

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/pulsemetrics/sync-engine/credentials"
	"github.com/pulsemetrics/sync-engine/models"
	"github.com/pulsemetrics/sync-engine/platform"
	"github.com/pulsemetrics/sync-engine/webhook"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr  string
	Debug bool
	// APIKey protects the admin endpoints. Empty disables authentication.
	APIKey string
}

// Server wires the HTTP handlers to the engine.
type Server struct {
	cfg      Config
	pipeline *webhook.Pipeline
	manager  *credentials.Manager
	creds    models.CredentialRepository
	registry *platform.Registry
	logger   *zap.Logger
}

func NewServer(
	cfg Config,
	pipeline *webhook.Pipeline,
	manager *credentials.Manager,
	creds models.CredentialRepository,
	registry *platform.Registry,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		manager:  manager,
		creds:    creds,
		registry: registry,
		logger:   logger,
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	e := s.router()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = e.Shutdown(shutdownCtx)
	}()

	return e.Start(s.cfg.Addr)
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.Debug = s.cfg.Debug
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/health", s.handleHealth)

	// Webhook intake is unauthenticated: the platforms sign nothing useful
	// and the account id resolution rejects unknown senders.
	e.POST("/webhooks/:service", s.handleWebhook)

	// The OAuth callback arrives as a browser redirect and cannot carry a
	// bearer token; the state cookie is its protection.
	e.GET("/oauth/:service/callback", s.handleOAuthCallback)

	api := e.Group("/api", BearerToken(s.cfg.APIKey, s.logger))
	api.GET("/oauth/:service/connect", s.handleOAuthConnect)
	api.GET("/integrations/:service/status", s.handleStatus)
	api.DELETE("/integrations/:service", s.handleDisconnect)

	return e
}
