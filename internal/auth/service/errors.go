package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials covers every credential miss: unknown username,
	// wrong password, corrupt stored hash. Callers must not be able to tell
	// which one it was.
	ErrInvalidCredentials = errors.New("invalid_credentials")

	ErrUsernameTaken = errors.New("username_taken")

	ErrSessionNotFound = errors.New("session_not_found")
	ErrSessionExpired  = errors.New("session_expired")
	ErrSessionRevoked  = errors.New("session_revoked")

	ErrMFAInvalid        = errors.New("invalid_otp")
	ErrMFANotEnabled     = errors.New("mfa_not_enabled")
	ErrMFAAlreadyEnabled = errors.New("mfa_already_enabled")
	ErrMFANotEnrolled    = errors.New("mfa_not_enrolled")

	ErrUnknownProvider   = errors.New("unknown_provider")
	ErrStateMismatch     = errors.New("state_mismatch")
	ErrStateExpired      = errors.New("state_expired")
	ErrProviderExchange  = errors.New("provider_exchange_failed")
	ErrNeedsRegistration = errors.New("needs_registration")
)

// MFARequiredError signals that the password checked out but the account
// requires a TOTP code the request did not carry. It is an intermediate
// outcome, not a credential failure, and must not feed abuse escalation.
type MFARequiredError struct {
	UserID string
}

func (e *MFARequiredError) Error() string {
	return fmt.Sprintf("mfa_required for user %s", e.UserID)
}
