package api

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrEmptyToken is returned when the server hands out a blank api token.
var ErrEmptyToken = errors.New("api token is empty")

// Token is the api token returned by /api/get_token.
//
// The service issues UUID tokens; JWT-shaped tokens are also accepted and
// their exp claim is used for proactive refresh. Anything else is kept as an
// opaque string.
type Token struct {
	Value     string
	ID        uuid.UUID
	ExpiresAt time.Time
}

// ParseToken classifies a raw api token.
func ParseToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, ErrEmptyToken
	}

	tok := Token{Value: raw}
	if id, err := uuid.Parse(raw); err == nil {
		tok.ID = id
		return tok, nil
	}
	if exp, ok := jwtExpiresAt(raw); ok {
		tok.ExpiresAt = exp
	}
	return tok, nil
}

// IsZero reports whether the token is unset.
func (t Token) IsZero() bool { return t.Value == "" }

// ExpiringWithin reports whether the token carries an expiry that is already
// past or falls within window of now. Tokens without expiry never expire
// client-side; the server stays authoritative and answers 401.
func (t Token) ExpiringWithin(now time.Time, window time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.Sub(now) <= window
}

// String hides the token value.
func (t Token) String() string {
	if t.Value == "" {
		return "<none>"
	}
	if len(t.Value) <= 8 {
		return "****"
	}
	return t.Value[:4] + "…" + t.Value[len(t.Value)-4:]
}

// jwtExpiresAt returns the exp claim of a JWT without verifying its
// signature. It is only used for client-side refresh scheduling.
func jwtExpiresAt(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
