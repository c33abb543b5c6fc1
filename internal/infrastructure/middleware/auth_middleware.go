package middleware

import (
	"net/http"
	"strings"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/services"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
)

// bearerToken reads the token from the Authorization header. Browsers cannot
// set headers on a websocket upgrade, so access_token in the query is
// accepted as well.
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("access_token"); token != "" {
			return token, ""
		}
		return "", "authorization header required"
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", "invalid authorization header format"
	}
	return parts[1], ""
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, problem := bearerToken(c)
		if problem != "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": problem})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, problem := bearerToken(c)
		if problem == "" {
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Set(ContextUserID, claims.UserID)
				c.Set(ContextUsername, claims.Username)
			}
		}
		c.Next()
	}
}

// UserFromContext returns the caller set by AuthMiddleware.
func UserFromContext(c *gin.Context) (domain.UserID, string, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return "", "", false
	}
	userID, ok := v.(domain.UserID)
	if !ok || userID == "" {
		return "", "", false
	}
	return userID, c.GetString(ContextUsername), true
}
