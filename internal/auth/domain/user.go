package domain

import "time"

type User struct {
	ID           string
	Username     string
	Email        *string    // verified email, set on federated sign-in (nullable)
	PasswordHash string     // argon2id PHC encoded
	MFAEnabled   *time.Time // when MFA enrollment was confirmed (nullable)
	MFASecret    *string    // TOTP secret, base32 (nullable; pending until MFAEnabled set)
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MFAActive reports whether logins for this user must present a TOTP code.
// A stored secret alone is not enough; enrollment must have been confirmed.
func (u User) MFAActive() bool {
	return u.MFAEnabled != nil && u.MFASecret != nil && *u.MFASecret != ""
}
