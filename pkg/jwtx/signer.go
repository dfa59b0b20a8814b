package jwtx

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer signs access-token claims. The signing scheme is chosen once at
// process start; there is no per-request algorithm negotiation.
type Signer interface {
	Alg() string
	Sign(Claims) (string, error)
}

type eddsaSigner struct {
	priv ed25519.PrivateKey
}

// NewSignerEdDSA creates an Ed25519 signer from a PKCS8 PEM block.
func NewSignerEdDSA(pemKey []byte) (Signer, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("jwtx: no PEM block found")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse PKCS8 key: %w", err)
	}

	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("jwtx: PEM key is not Ed25519")
	}
	return &eddsaSigner{priv: priv}, nil
}

// NewEphemeralSignerEdDSA generates a fresh Ed25519 keypair. Tokens signed
// with it die with the process; suits single-instance deployments and tests.
func NewEphemeralSignerEdDSA() (Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("jwtx: generate ed25519 key: %w", err)
	}
	return &eddsaSigner{priv: priv}, pub, nil
}

func (s *eddsaSigner) Alg() string { return "EdDSA" }

func (s *eddsaSigner) Sign(c Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c)
	return tok.SignedString(s.priv)
}

// Public returns the verification half of an eddsaSigner.
func (s *eddsaSigner) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

type hs256Signer struct {
	secret []byte
}

// NewSignerHS256 creates an HMAC-SHA256 signer. The secret must be shared
// with every verifying host.
func NewSignerHS256(secret []byte) (Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwtx: HS256 secret must be at least 32 bytes")
	}
	return &hs256Signer{secret: secret}, nil
}

func (s *hs256Signer) Alg() string { return "HS256" }

func (s *hs256Signer) Sign(c Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}
