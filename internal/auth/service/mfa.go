package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/havenchat/haven-auth/internal/auth/domain"
	"github.com/havenchat/haven-auth/internal/auth/store"
)

// totpValidateOpts accepts the current 30s step plus one step either side,
// tolerating clock drift between the server and the authenticator device.
var totpValidateOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// MFAService manages TOTP enrollment and verification. Enrollment is
// two-phase: Enroll stores a pending secret, ConfirmEnroll activates it once
// the user proves they captured it. Only an active secret gates logins.
type MFAService struct {
	Store  store.Store
	Issuer string // issuer label shown in authenticator apps
}

// Enroll generates a fresh TOTP secret for the user and stores it pending.
// MFA is not enabled until ConfirmEnroll succeeds; re-enrolling before
// confirmation simply replaces the pending secret.
func (s *MFAService) Enroll(ctx context.Context, userID string) (domain.MFAEnrollResponse, error) {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return domain.MFAEnrollResponse{}, fmt.Errorf("load user: %w", err)
	}
	if u.MFAActive() {
		return domain.MFAEnrollResponse{}, ErrMFAAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: u.Username,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return domain.MFAEnrollResponse{}, fmt.Errorf("generate TOTP key: %w", err)
	}

	if err := s.Store.Users().UpdateMFASecret(ctx, userID, key.Secret()); err != nil {
		return domain.MFAEnrollResponse{}, fmt.Errorf("store MFA secret: %w", err)
	}

	return domain.MFAEnrollResponse{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		Issuer:          s.Issuer,
		Account:         u.Username,
	}, nil
}

// ConfirmEnroll activates MFA once the user presents a valid code for the
// pending secret. A wrong code leaves the pending secret intact so the user
// can retry without re-scanning.
func (s *MFAService) ConfirmEnroll(ctx context.Context, userID, code string) error {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if u.MFAActive() {
		return ErrMFAAlreadyEnabled
	}
	if u.MFASecret == nil || *u.MFASecret == "" {
		return ErrMFANotEnrolled
	}

	ok, err := totp.ValidateCustom(code, *u.MFASecret, time.Now(), totpValidateOpts)
	if err != nil || !ok {
		return ErrMFAInvalid
	}

	return s.Store.Users().EnableMFA(ctx, userID)
}

// VerifyLogin checks a login-time TOTP code for a user with active MFA.
func (s *MFAService) VerifyLogin(ctx context.Context, userID, code string) error {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMFAInvalid
		}
		return fmt.Errorf("load user: %w", err)
	}
	return s.verifyCode(u, code)
}

// verifyCode is the shared gate used by VerifyLogin and by the orchestrator
// when it already holds the user row.
func (s *MFAService) verifyCode(u domain.User, code string) error {
	if !u.MFAActive() {
		return ErrMFANotEnabled
	}

	ok, err := totp.ValidateCustom(code, *u.MFASecret, time.Now(), totpValidateOpts)
	if err != nil || !ok {
		return ErrMFAInvalid
	}
	return nil
}

// Disable removes MFA after the user proves possession of the current
// authenticator.
func (s *MFAService) Disable(ctx context.Context, userID, code string) error {
	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if err := s.verifyCode(u, code); err != nil {
		return err
	}
	return s.Store.Users().DisableMFA(ctx, userID)
}
