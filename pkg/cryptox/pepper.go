package cryptox

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// The pepper is a site-wide secret mixed into every password hash. It lives
// in a file outside the database so a dumped users table alone is not enough
// to start cracking.
var (
	pepperMu   sync.Mutex
	pepper     string
	pepperFile = "pepper"
)

// SetPepperPath points the package at the pepper file. Call before the first
// hash or verify.
func SetPepperPath(file string) {
	pepperMu.Lock()
	pepperFile = file
	pepperMu.Unlock()
}

// GetPepper returns the cached pepper, loading or generating it on first use.
func GetPepper() string {
	pepperMu.Lock()
	defer pepperMu.Unlock()

	if pepper != "" {
		return pepper
	}

	p, err := loadOrGeneratePepper()
	if err != nil {
		slog.Error("failed to load or generate pepper", slog.Any("err", err))
		os.Exit(1)
	}
	pepper = p
	return pepper
}

func loadOrGeneratePepper() (string, error) {
	file := filepath.Clean(pepperFile)
	if err := os.MkdirAll(filepath.Dir(file), 0750); err != nil {
		return "", err
	}

	if _, err := os.Stat(file); os.IsNotExist(err) {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		p := base64.RawURLEncoding.EncodeToString(buf)
		if err := os.WriteFile(file, []byte(p), 0600); err != nil {
			return "", err
		}
		return p, nil
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
