package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	return NewService(Config{
		Secret:            "test-secret",
		AdminPasswordHash: hash,
		TokenTTL:          time.Hour,
	})
}

func TestLoginIssuesValidToken(t *testing.T) {
	s := newTestService(t)

	token, err := s.Login("correct horse")
	require.NoError(t, err)

	claims, err := ValidateToken("test-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "admin", claims.Subject)
}

func TestLoginWrongPassword(t *testing.T) {
	s := newTestService(t)

	_, err := s.Login("wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWithoutConfiguredHash(t *testing.T) {
	s := NewService(Config{Secret: "test-secret"})

	_, err := s.Login("anything")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	s := newTestService(t)

	token, err := s.Login("correct horse")
	require.NoError(t, err)

	_, err = ValidateToken("other-secret", token)
	assert.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	s := NewService(Config{
		Secret:            "test-secret",
		AdminPasswordHash: hash,
		TokenTTL:          -time.Minute,
	})

	token, err := s.Login("correct horse")
	require.NoError(t, err)

	_, err = ValidateToken("test-secret", token)
	assert.Error(t, err)
}

func TestValidateTokenGarbage(t *testing.T) {
	_, err := ValidateToken("test-secret", "not-a-token")
	assert.Error(t, err)
}
