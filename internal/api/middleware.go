package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/config"
)

const (
	// HeaderAPIKey carries the shared cloud API key.
	HeaderAPIKey = "X-API-Key"
	// HeaderIdempotencyKey lets a surface retry a turn without recording it twice.
	HeaderIdempotencyKey = "Idempotency-Key"

	ctxKeyUserID = "auth_user_id"
)

// AuthMiddleware accepts every request in local mode. In cloud mode it
// requires the API key or a bearer token; a token pins the caller to the
// user it names.
func (s *Server) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.mode != config.ModeCloud {
			return next(c)
		}

		if key := c.Request().Header.Get(HeaderAPIKey); key != "" {
			if !s.authService.ValidateAPIKey(key) {
				s.logger.WithField("remote_ip", c.RealIP()).Warn("invalid api key")
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid api key"})
			}
			return next(c)
		}

		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "missing credentials"})
		}

		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid authorization header"})
		}

		claims, err := s.authService.ValidateToken(parts[1])
		if err != nil {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
		}

		c.Set(ctxKeyUserID, claims.UserID)
		return next(c)
	}
}

// GetUserID returns the user a bearer token was issued to, or "" when the
// request was not token authenticated.
func GetUserID(c echo.Context) string {
	id, _ := c.Get(ctxKeyUserID).(string)
	return id
}
