package jwtx

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed   = errors.New("jwtx: malformed token")
	ErrAlgMismatch = errors.New("jwtx: algorithm mismatch")
	ErrInvalidSig  = errors.New("jwtx: invalid signature")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
	ErrIssuer      = errors.New("jwtx: issuer mismatch")
)

// Verifier validates a JWT and gives you back the claims if it's legit.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// VerifyOptions captures common expectations used by verifiers.
type VerifyOptions struct {
	// Issuer the token must have (claims.iss). Empty means "don't care".
	Issuer string

	// Leeway allows small clock skew when validating exp/nbf. Zero uses
	// DefaultLeeway; time sync is never perfect.
	Leeway time.Duration
}

type verifier struct {
	alg  string
	key  any
	opts VerifyOptions
}

// NewVerifierEdDSA verifies tokens signed by the matching Ed25519 key.
func NewVerifierEdDSA(pub ed25519.PublicKey, opts VerifyOptions) Verifier {
	return &verifier{alg: "EdDSA", key: pub, opts: opts}
}

// NewVerifierHS256 verifies tokens signed with the shared HMAC secret.
func NewVerifierHS256(secret []byte, opts VerifyOptions) Verifier {
	return &verifier{alg: "HS256", key: secret, opts: opts}
}

func (v *verifier) Verify(raw string) (Claims, error) {
	leeway := v.opts.Leeway
	if leeway == 0 {
		leeway = DefaultLeeway
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.alg}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if v.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.opts.Issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	}, parserOpts...)
	if err != nil {
		return Claims{}, mapParseError(err)
	}

	return claims, nil
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrInvalidSig
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuer
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrAlgMismatch
	default:
		return ErrMalformed
	}
}
