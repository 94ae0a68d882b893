package web

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/pulsemetrics/sync-engine/models"
	"github.com/pulsemetrics/sync-engine/webhook"
)

const (
	// eventTypeHeader lets a platform name the event outside the payload.
	eventTypeHeader   = "X-Event-Type"
	stateCookieName   = "oauth_state"
	ownerCookieName   = "oauth_owner"
	stateCookieMaxAge = 300
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook ingests one delivery. The receipt is durable before any
// processing, so a dispatch failure still returns 202: the reconciliation
// drain owns the retry, the platform must not resend.
func (s *Server) handleWebhook(c echo.Context) error {
	service := c.Param("service")

	if _, err := s.registry.Config(service); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown service")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	receiptID, err := s.pipeline.Ingest(c.Request().Context(), service, body, c.Request().Header.Get(eventTypeHeader))

	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"receipt_id": receiptID})
	case errors.Is(err, webhook.ErrMalformedPayload):
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	case errors.Is(err, webhook.ErrIntegrationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "no integration for this account")
	case errors.Is(err, webhook.ErrDispatchFailed):
		return c.JSON(http.StatusAccepted, map[string]string{"receipt_id": receiptID})
	default:
		s.logger.Error("webhook ingestion failed", zap.String("service", service), zap.Error(err))

		return echo.NewHTTPError(http.StatusInternalServerError, "ingestion failed")
	}
}

// handleOAuthConnect begins the authorization flow. The state and the
// initiating owner ride in short-lived cookies across the redirect.
func (s *Server) handleOAuthConnect(c echo.Context) error {
	service := c.Param("service")

	cfg, err := s.registry.Config(service)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown service")
	}

	ownerID := c.QueryParam("owner_id")
	if ownerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id is required")
	}

	state := uuid.New().String()
	s.setFlowCookie(c, stateCookieName, state, stateCookieMaxAge)
	s.setFlowCookie(c, ownerCookieName, ownerID, stateCookieMaxAge)

	url := cfg.OAuth2().AuthCodeURL(state, oauth2.AccessTypeOffline)

	return c.Redirect(http.StatusTemporaryRedirect, url)
}

func (s *Server) handleOAuthCallback(c echo.Context) error {
	service := c.Param("service")

	cfg, err := s.registry.Config(service)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown service")
	}

	stateCookie, err := c.Cookie(stateCookieName)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "state cookie not found")
	}

	ownerCookie, err := c.Cookie(ownerCookieName)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "owner cookie not found")
	}

	s.setFlowCookie(c, stateCookieName, "", -1)
	s.setFlowCookie(c, ownerCookieName, "", -1)

	if c.QueryParam("state") != stateCookie.Value {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid state parameter")
	}

	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code not found")
	}

	token, err := cfg.OAuth2().Exchange(c.Request().Context(), code)
	if err != nil {
		s.logger.Warn("code exchange failed", zap.String("service", service), zap.Error(err))

		return echo.NewHTTPError(http.StatusBadGateway, "failed to exchange authorization code")
	}

	accountID := firstNonEmpty(
		c.QueryParam("locationId"),
		c.QueryParam("realmId"),
		c.QueryParam("accountId"),
	)
	if accountID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "account identifier missing from callback")
	}

	if err := s.manager.Connect(c.Request().Context(), service, ownerCookie.Value, accountID, token); err != nil {
		s.logger.Error("failed to persist connection",
			zap.String("service", service),
			zap.String("owner_id", ownerCookie.Value),
			zap.Error(err))

		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save integration")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"connected":  true,
		"service":    service,
		"account_id": accountID,
	})
}

type statusResponse struct {
	Connected     bool       `json:"connected"`
	AccountID     string     `json:"account_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	LastSyncError string     `json:"last_sync_error,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	service := c.Param("service")

	ownerID := c.QueryParam("owner_id")
	if ownerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id is required")
	}

	cred, err := s.creds.Get(c.Request().Context(), service, ownerID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusOK, statusResponse{Connected: false})
		}

		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load integration")
	}

	return c.JSON(http.StatusOK, statusResponse{
		Connected:     cred.Active,
		AccountID:     cred.AccountID,
		ExpiresAt:     cred.ExpiresAt,
		LastSyncAt:    cred.LastSyncAt,
		LastSyncError: cred.LastSyncError,
	})
}

func (s *Server) handleDisconnect(c echo.Context) error {
	service := c.Param("service")

	ownerID := c.QueryParam("owner_id")
	if ownerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id is required")
	}

	if err := s.manager.Disconnect(c.Request().Context(), service, ownerID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "integration not found")
		}

		return echo.NewHTTPError(http.StatusInternalServerError, "failed to disconnect")
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) setFlowCookie(c echo.Context, name, value string, maxAge int) {
	isSecure := c.Request().TLS != nil || c.Request().Header.Get("X-Forwarded-Proto") == "https"

	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   isSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
