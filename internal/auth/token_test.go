package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndAuthenticate(t *testing.T) {
	s := NewTokenService("secret", "chatrelay", time.Hour)
	tok, err := s.Issue("user-1")
	require.NoError(t, err)

	uid, err := s.Authenticate(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", uid)
}

func TestAuthenticateRejects(t *testing.T) {
	s := NewTokenService("secret", "chatrelay", time.Hour)

	other := NewTokenService("other-secret", "chatrelay", time.Hour)
	foreign, err := other.Issue("user-1")
	require.NoError(t, err)

	wrongIssuer, err := NewTokenService("secret", "someone-else", time.Hour).Issue("user-1")
	require.NoError(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "chatrelay",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "chatrelay",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": foreign,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"no subject":   noSubject,
	} {
		_, err := s.Authenticate(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}
