package cryptox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "cryptox-test")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)
	SetPepperPath(filepath.Join(dir, "pepper"))

	SetParams(Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	m.Run()
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("Secr3t!pass")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	require.NoError(t, VerifyPassword("Secr3t!pass", hash))
	require.ErrorIs(t, VerifyPassword("wrong", hash), ErrPasswordMismatch)
	require.ErrorIs(t, VerifyPassword("", hash), ErrPasswordMismatch)
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	a, err := HashPassword("same-password")
	require.NoError(t, err)
	b, err := HashPassword("same-password")
	require.NoError(t, err)

	require.NotEqual(t, a, b, "two hashes of the same password must differ")
	require.NoError(t, VerifyPassword("same-password", a))
	require.NoError(t, VerifyPassword("same-password", b))
}

func TestVerifyPasswordCorruptHash(t *testing.T) {
	cases := []string{
		"",
		"not-a-phc-string",
		"$argon2id$v=19$m=8192,t=1,p=1$short",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!notbase64!!!$aGFzaA",
	}
	for _, hash := range cases {
		require.ErrorIs(t, VerifyPassword("anything", hash), ErrCorruptHash, "hash %q", hash)
	}
}

func TestVerifyPasswordOldParams(t *testing.T) {
	// Hashes carry their own cost parameters; a later cost bump must not
	// invalidate them.
	hash, err := HashPassword("Secr3t!pass")
	require.NoError(t, err)

	SetParams(Params{
		Memory:      16 * 1024,
		Iterations:  2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	t.Cleanup(func() {
		SetParams(Params{
			Memory:      8 * 1024,
			Iterations:  1,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		})
	})

	require.NoError(t, VerifyPassword("Secr3t!pass", hash))
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken(TokenSize256)
	require.NoError(t, err)
	b, err := GenerateToken(TokenSize256)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	_, err = GenerateToken(0)
	require.Error(t, err)
}

func TestFingerprintToken(t *testing.T) {
	fp := FingerprintToken("some-token")
	require.Equal(t, fp, FingerprintToken("some-token"))
	require.NotEqual(t, fp, FingerprintToken("some-other-token"))
	require.NotContains(t, fp, "some-token")
}
