package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token TTL constants. Short access tokens bound the compromise
// window since access tokens cannot be revoked; refresh tokens are tracked
// server-side and can be.
const (
	// DefaultAccessTokenTTL is the default lifetime for access tokens.
	DefaultAccessTokenTTL = 15 * time.Minute

	// DefaultRefreshTokenTTL is the default lifetime for refresh tokens.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	// DefaultLeeway tolerates clock drift between issuing and validating
	// hosts when checking exp/nbf.
	DefaultLeeway = 30 * time.Second
)

// Claims are the access-token claims. Keep changes additive so older
// verifiers keep working.
type Claims struct {
	jwt.RegisteredClaims

	// SID is the session ID this token was minted under.
	SID string `json:"sid,omitempty"`

	// Username of the authenticated user.
	Username string `json:"username,omitempty"`

	// AMR lists the authentication methods used, e.g. ["pwd","otp"].
	AMR []string `json:"amr,omitempty"`
}

// NewAccessClaims builds minimally-correct claims for an access token.
func NewAccessClaims(
	subject, sid, username string,
	amr []string,
	ttl time.Duration,
	issuer string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        newJTI(),
		},
		SID:      sid,
		Username: username,
		AMR:      amr,
	}
}

// newJTI returns a URL-safe random identifier for the "jti" claim.
func newJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
