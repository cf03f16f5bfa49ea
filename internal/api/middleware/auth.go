// Package middleware provides the HTTP middleware stack for the proxy server:
// client authentication, Prometheus metrics and request body decompression.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/router-for-me/KiroProxyAPI/internal/errors"
)

// bearerToken extracts the credential from an Authorization header or returns
// "" when the header is not a bearer scheme.
func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// presentedKey returns the API key the client sent, checking x-api-key first
// and falling back to a bearer Authorization header.
func presentedKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("x-api-key")); key != "" {
		return key
	}
	return bearerToken(c.GetHeader("Authorization"))
}

// APIKeyAuth rejects requests that do not present the configured key.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := presentedKey(c)
		if provided == "" {
			abortWithAppError(c, apperrors.New(http.StatusUnauthorized, apperrors.CodeAuthentication,
				"missing API key", nil))
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			abortWithAppError(c, apperrors.New(http.StatusUnauthorized, apperrors.CodeAuthentication,
				"invalid API key", nil))
			return
		}
		c.Next()
	}
}

// AdminAuth guards the management API with its own key.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if subtle.ConstantTimeCompare([]byte(presentedKey(c)), []byte(adminKey)) != 1 {
			abortWithAppError(c, apperrors.New(http.StatusUnauthorized, apperrors.CodeAuthentication,
				"invalid admin API key", nil))
			return
		}
		c.Next()
	}
}

func abortWithAppError(c *gin.Context, appErr *apperrors.AppError) {
	c.Abort()
	c.Data(appErr.HTTPStatusCode, "application/json", appErr.ToAnthropicJSON())
}
