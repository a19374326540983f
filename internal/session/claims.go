package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken     = errors.New("session: empty token")
	ErrMalformedToken = errors.New("session: malformed token")
)

// Claims are the parts of the access token the client uses.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time // zero when the token carries no exp
	IssuedAt  time.Time
}

// Expired reports whether the token is past its expiry at now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ParseClaims decodes token without verifying its signature. The user id is
// read from "user_id" when present (string or number) and from "sub"
// otherwise.
func ParseClaims(token string) (Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Claims{}, ErrEmptyToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	out := Claims{
		UserID:    claimString(claims, "user_id"),
		SessionID: claimString(claims, "sid"),
	}
	if out.UserID == "" {
		out.UserID = claimString(claims, "sub")
	}
	if out.UserID == "" {
		return Claims{}, fmt.Errorf("%w: no user id claim", ErrMalformedToken)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return out, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
