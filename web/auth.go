package web

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// BearerToken validates the Authorization header against the configured
// API key. An empty key disables authentication entirely.
func BearerToken(apiKey string, logger *zap.Logger) echo.MiddlewareFunc {
	if apiKey == "" {
		logger.Warn("api authentication disabled, no API key configured")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authentication token")
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authentication token format")
			}

			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(apiKey)) != 1 {
				logger.Warn("rejected request with invalid token",
					zap.String("method", c.Request().Method),
					zap.String("path", c.Path()))

				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authentication token")
			}

			return next(c)
		}
	}
}
