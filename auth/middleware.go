package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/umlcdp/collab/internal/slogging"
)

const (
	// UserContextKey is the gin context key for the authenticated user
	UserContextKey = "user"
	// ClaimsContextKey is the gin context key for the validated JWT claims
	ClaimsContextKey = "claims"
)

// Middleware provides authentication middleware for Gin
type Middleware struct {
	service *Service
	// allowQueryToken permits ?token= for WebSocket handshakes, where
	// browsers cannot set an Authorization header.
	allowQueryToken bool
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(service *Service, allowQueryToken bool) *Middleware {
	return &Middleware{
		service:         service,
		allowQueryToken: allowQueryToken,
	}
}

// AuthRequired is a middleware that requires a valid access token
func (m *Middleware) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := slogging.Get()

		tokenString, err := m.extractToken(c)
		if err != nil {
			logger.Warn("authentication failed: %v client_ip=%s path=%s", err, c.ClientIP(), c.Request.URL.Path)
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		claims, err := m.service.ValidateToken(tokenString)
		if err != nil {
			logger.Warn("authentication failed: token validation error client_ip=%s error=%v", c.ClientIP(), err)
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ClaimsContextKey, claims)
		c.Set(UserContextKey, UserFromClaims(claims))
		logger.Debug("authentication successful user=%s", claims.Email)
		c.Next()
	}
}

func (m *Middleware) extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", errors.New("authorization header format must be Bearer {token}")
		}
		return parts[1], nil
	}

	if m.allowQueryToken {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
	}

	return "", errors.New("authorization required")
}

// GetUser returns the authenticated user from the gin context
func GetUser(c *gin.Context) (User, bool) {
	v, ok := c.Get(UserContextKey)
	if !ok {
		return User{}, false
	}
	user, ok := v.(User)
	return user, ok
}
