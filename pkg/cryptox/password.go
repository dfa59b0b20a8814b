package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrPasswordMismatch reports a verification failure against a
	// well-formed stored hash.
	ErrPasswordMismatch = errors.New("cryptox: password does not match")

	// ErrCorruptHash reports a stored hash that cannot be parsed. Callers
	// must not surface this distinctly from a mismatch; it exists so
	// operators can tell a bad row from a bad password in logs.
	ErrCorruptHash = errors.New("cryptox: corrupt password hash")
)

// Params are the Argon2id cost parameters. They are process configuration,
// not per-call inputs: verification reads the parameters embedded in the
// stored hash, so old hashes remain verifiable after a cost bump.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams follows the OWASP Argon2id minimum recommendation.
var DefaultParams = Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

var (
	paramsMu sync.RWMutex
	params   = DefaultParams
)

// SetParams overrides the hashing cost parameters. Call once at startup,
// before any hashing happens. Invalid (zero) fields are ignored wholesale.
func SetParams(p Params) {
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 ||
		p.SaltLength == 0 || p.KeyLength == 0 {
		return
	}
	paramsMu.Lock()
	params = p
	paramsMu.Unlock()
}

func currentParams() Params {
	paramsMu.RLock()
	defer paramsMu.RUnlock()
	return params
}

// HashPassword derives an Argon2id hash with a fresh random salt and returns
// it as a PHC-format string. The salt and cost parameters are embedded in the
// output, so verification needs no side lookup.
func HashPassword(password string) (string, error) {
	p := currentParams()

	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptox: generate salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(password+GetPepper()),
		salt,
		p.Iterations,
		p.Memory,
		p.Parallelism,
		p.KeyLength,
	)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		p.Memory,
		p.Iterations,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword re-derives the key from the candidate password using the
// parameters embedded in encodedHash and compares in constant time. The
// comparison cost does not depend on which byte differs or on whether the
// password is correct.
//
// Returns nil on match, ErrPasswordMismatch on a clean miss and ErrCorruptHash
// if the stored value is not a valid PHC Argon2id string.
func VerifyPassword(password, encodedHash string) error {
	salt, expected, p, err := decodePHC(encodedHash)
	if err != nil {
		return err
	}

	computed := argon2.IDKey(
		[]byte(password+GetPepper()),
		salt,
		p.Iterations,
		p.Memory,
		p.Parallelism,
		uint32(len(expected)),
	)

	if subtle.ConstantTimeCompare(computed, expected) == 1 {
		return nil
	}
	return ErrPasswordMismatch
}

// decodePHC parses "$argon2id$v=19$m=X,t=Y,p=Z$salt$hash".
func decodePHC(encoded string) (salt, hash []byte, p Params, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, nil, p, ErrCorruptHash
	}
	if parts[1] != "argon2id" || parts[2] != "v=19" {
		return nil, nil, p, ErrCorruptHash
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return nil, nil, p, ErrCorruptHash
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return nil, nil, p, ErrCorruptHash
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, p, ErrCorruptHash
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, nil, p, ErrCorruptHash
	}

	return salt, hash, p, nil
}
