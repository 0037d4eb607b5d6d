package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	t.Run("EmptySecretIsRejected", func(t *testing.T) {
		_, err := NewService(Config{})
		assert.Error(t, err)
	})

	t.Run("ExpiryDefaultsWhenUnset", func(t *testing.T) {
		s, err := NewService(Config{JWTSecret: "secret"})
		require.NoError(t, err)
		assert.Equal(t, 24*time.Hour, s.tokenExpiry)
	})
}

func TestTokenRoundTrip(t *testing.T) {
	s, err := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	require.NoError(t, err)

	user := User{ID: "u1", Email: "alice@example.com", Name: "Alice"}
	token, err := s.GenerateToken(user)
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)

	resolved := UserFromClaims(claims)
	assert.Equal(t, user, resolved)
}

func TestValidateToken(t *testing.T) {
	s, err := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	require.NoError(t, err)

	t.Run("GarbageIsRejected", func(t *testing.T) {
		_, err := s.ValidateToken("not-a-token")
		assert.Error(t, err)
	})

	t.Run("WrongSecretIsRejected", func(t *testing.T) {
		other, err := NewService(Config{JWTSecret: "different", TokenExpiry: time.Hour})
		require.NoError(t, err)
		token, err := other.GenerateToken(User{ID: "u1", Email: "a@example.com"})
		require.NoError(t, err)

		_, err = s.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("ExpiredTokenIsRejected", func(t *testing.T) {
		short, err := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Millisecond})
		require.NoError(t, err)
		token, err := short.GenerateToken(User{ID: "u1", Email: "a@example.com"})
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		_, err = short.ValidateToken(token)
		assert.Error(t, err)
	})
}

func TestUserFromClaimsFallsBackToEmail(t *testing.T) {
	s, err := NewService(Config{JWTSecret: "secret"})
	require.NoError(t, err)

	token, err := s.GenerateToken(User{ID: "u1", Email: "a@example.com"})
	require.NoError(t, err)
	claims, err := s.ValidateToken(token)
	require.NoError(t, err)

	user := UserFromClaims(claims)
	assert.Equal(t, "a@example.com", user.Name)
}
