package auth

import (
	"errors"
	"net/http"
	"strings"

	"companionchat/internal/apperr"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey  = "auth_user_id"
	tokenIDContextKey = "auth_token_id"
)

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   msg,
		"kind":    apperr.KindUnauthenticated,
	})
}

// Middleware validates bearer tokens and stores the authenticated user in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := s.extractToken(c)
		if raw == "" {
			abortUnauthenticated(c, "authorization required")
			return
		}
		userID, jti, err := s.ValidateToken(c.Request.Context(), raw)
		switch {
		case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrInvalidToken):
			abortUnauthenticated(c, err.Error())
			return
		case err != nil:
			log.WithError(err).Error("validate token")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "internal server error",
				"kind":    apperr.KindInternal,
			})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Set(tokenIDContextKey, jti)
		c.Next()
	}
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	userID, ok := val.(int64)
	return userID, ok
}

// TokenIDFromContext retrieves the jti of the token captured by the middleware.
func TokenIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(tokenIDContextKey)
	if !ok {
		return "", false
	}
	jti, ok := val.(string)
	return jti, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
