package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-our-secret"))
	require.NoError(t, err)
	return token
}

func TestParseClaims_RegisteredClaims(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	iat := time.Date(2029, 12, 31, 0, 0, 0, 0, time.UTC)
	token := sign(t, jwt.MapClaims{
		"sub": "user-42",
		"sid": "s-1",
		"exp": exp.Unix(),
		"iat": iat.Unix(),
	})

	c, err := ParseClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", c.UserID)
	assert.Equal(t, "s-1", c.SessionID)
	assert.True(t, exp.Equal(c.ExpiresAt))
	assert.True(t, iat.Equal(c.IssuedAt))
	assert.False(t, c.Expired(iat))
	assert.True(t, c.Expired(exp))
}

func TestParseClaims_NumericUserID(t *testing.T) {
	token := sign(t, jwt.MapClaims{"user_id": 1234567, "sub": "ignored"})

	c, err := ParseClaims("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "1234567", c.UserID)
	assert.True(t, c.ExpiresAt.IsZero())
	assert.False(t, c.Expired(time.Now()))
}

func TestParseClaims_Errors(t *testing.T) {
	_, err := ParseClaims("  ")
	assert.ErrorIs(t, err, ErrEmptyToken)

	_, err = ParseClaims("not-a-jwt")
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = ParseClaims(sign(t, jwt.MapClaims{"name": "anon"}))
	assert.ErrorIs(t, err, ErrMalformedToken)
}
