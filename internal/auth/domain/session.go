package domain

import "time"

// Session is the persisted refresh-token record. One session roughly equals
// one logged-in device. Only the SHA-256 fingerprint of the refresh token is
// stored; the raw value exists solely in the client's hands.
type Session struct {
	ID        string
	UserID    string
	TokenHash string // fingerprint of the currently valid refresh token
	AMR       []string // methods the session was opened with, carried onto refreshed access tokens
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
