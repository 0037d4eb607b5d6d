// Package auth provides JWT-based authentication for HTTP and WebSocket
// endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the JWT claims carried by access tokens
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// User is the authenticated identity resolved from a token
type User struct {
	ID    string
	Email string
	Name  string
}

// Service issues and validates access tokens
type Service struct {
	secret      []byte
	tokenExpiry time.Duration
}

// Config holds authentication service configuration
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

// NewService creates a new authentication service
func NewService(cfg Config) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	expiry := cfg.TokenExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Service{
		secret:      []byte(cfg.JWTSecret),
		tokenExpiry: expiry,
	}, nil
}

// GenerateToken issues a signed access token for the given user
func (s *Service) GenerateToken(user User) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Email: user.Email,
		Name:  user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a token string, returning its claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing subject")
	}
	return claims, nil
}

// UserFromClaims builds the authenticated identity from validated claims
func UserFromClaims(claims *Claims) User {
	name := claims.Name
	if name == "" {
		name = claims.Email
	}
	return User{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  name,
	}
}
