// Package middleware provides HTTP middleware for the dentalnotes API.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/MacJediWizard/dentalnotes/internal/auth"
	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

const (
	// ClaimsContextKey holds the caller's verified token claims.
	ClaimsContextKey ContextKey = "claims"
	// DenyReasonContextKey holds the reason a request was refused.
	DenyReasonContextKey ContextKey = "deny_reason"
)

// Authorizer admits a request and consumes one unit of quota.
type Authorizer interface {
	Authorize(ctx context.Context, credential string) (*auth.Claims, error)
}

// AccessGateMiddleware runs the access gate for the request's Authorization
// header. Admitted requests have already been charged one note.
func AccessGateMiddleware(gate Authorizer, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "gate_middleware").Logger()

	return func(c *gin.Context) {
		claims, err := gate.Authorize(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			if _, ok := license.AsError(err); !ok {
				log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("access gate failed")
			}
			abortWithError(c, err)
			return
		}

		c.Set(string(ClaimsContextKey), claims)
		c.Next()
	}
}

// GetClaims returns the claims stored by AccessGateMiddleware, or nil.
func GetClaims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(string(ClaimsContextKey))
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// AdminKeyMiddleware protects operator routes with a static API key sent as
// X-Admin-Key or as a bearer token. With no key configured every request is
// refused.
func AdminKeyMiddleware(adminKey string, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "admin_middleware").Logger()
	enabled := auth.IsValidAdminKey(adminKey)
	expected := auth.HashAPIKey(adminKey)

	return func(c *gin.Context) {
		if !enabled {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin API is disabled"})
			return
		}

		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = auth.ExtractBearerToken(c.GetHeader("Authorization"))
		}
		if key == "" || !auth.CompareAPIKeyHash(key, expected) {
			log.Warn().Str("client_ip", c.ClientIP()).Str("path", c.Request.URL.Path).Msg("rejected admin request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}

		c.Next()
	}
}

// WriteError writes err as a JSON error response. Access errors carry their
// own status and reason; anything else is a 500 with a generic message.
func WriteError(c *gin.Context, err error) {
	var e *license.Error
	if errors.As(err, &e) {
		c.Set(string(DenyReasonContextKey), e.Reason)
		c.JSON(e.HTTPStatus(), gin.H{"error": e.Message, "reason": e.Reason})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func abortWithError(c *gin.Context, err error) {
	WriteError(c, err)
	c.Abort()
}
