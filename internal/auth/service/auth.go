package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/havenchat/haven-auth/internal/auth/domain"
	"github.com/havenchat/haven-auth/internal/auth/ratelimit"
	"github.com/havenchat/haven-auth/internal/auth/store"
	"github.com/havenchat/haven-auth/pkg/cryptox"
	"github.com/havenchat/haven-auth/pkg/hashpool"
	"github.com/havenchat/haven-auth/pkg/idx"
	"github.com/havenchat/haven-auth/pkg/jwtx"
	"github.com/havenchat/haven-auth/pkg/slogx"
)

// AMR values recorded in access-token claims.
const (
	AMRPassword  = "pwd"
	AMROTP       = "otp"
	AMRFederated = "oidc"
)

// AuthService orchestrates login, registration and the refresh-token
// lifecycle. Every token pair in the system is issued through its
// issueTokens; the individual services (MFA, OIDC, rate limiting) never
// mint tokens themselves.
type AuthService struct {
	Store   store.Store
	Hashes  *hashpool.Pool
	Limiter *ratelimit.Limiter
	MFA     *MFAService
	OIDC    *OIDCService

	Signer     jwtx.Signer
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// credentialState is the intermediate outcome of a password check, before
// the MFA gate. Keeping it explicit stops a half-verified login from ever
// reaching token issuance by accident.
type credentialState struct {
	user domain.User
	amr  []string
}

// Register creates a user and logs them straight in.
func (s *AuthService) Register(ctx context.Context, ip, username, password string) (*domain.TokenPair, error) {
	l := slogx.FromContext(ctx)

	if err := s.gate(ctx, ip, ratelimit.CategoryRegister); err != nil {
		return nil, err
	}

	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	hash, err := s.Hashes.Hash(ctx, password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := domain.User{
		ID:           idx.New().String(),
		Username:     username,
		PasswordHash: hash,
	}
	if err := s.Store.Users().CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	l.Info("user registered", slog.String("user_id", u.ID), slog.String("username", username))
	return s.issueTokens(ctx, u, []string{AMRPassword})
}

// Login authenticates username/password (+ optional TOTP code). Every
// credential miss collapses to ErrInvalidCredentials and feeds the abuse
// counter; an account with MFA enabled and no code returns
// *MFARequiredError, which does not.
func (s *AuthService) Login(ctx context.Context, ip, username, password, otpCode string) (*domain.TokenPair, error) {
	l := slogx.FromContext(ctx)

	if err := s.gate(ctx, ip, ratelimit.CategoryLogin); err != nil {
		return nil, err
	}

	state, err := s.checkPassword(ctx, strings.TrimSpace(username), password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.recordFailure(ctx, ip)
		}
		return nil, err
	}

	if state.user.MFAActive() {
		if otpCode == "" {
			return nil, &MFARequiredError{UserID: state.user.ID}
		}
		if err := s.MFA.verifyCode(state.user, otpCode); err != nil {
			s.recordFailure(ctx, ip)
			return nil, err
		}
		state.amr = append(state.amr, AMROTP)
	}

	if err := s.Limiter.RecordLoginSuccess(ctx, ip); err != nil {
		l.Warn("failed to reset abuse counter", slog.Any("error", err))
	}

	l.Info("user logged in", slog.String("user_id", state.user.ID))
	return s.issueTokens(ctx, state.user, state.amr)
}

// checkPassword verifies the password and returns the intermediate
// credential state. Unknown usernames still burn a hash verification so
// response timing does not reveal which usernames exist.
func (s *AuthService) checkPassword(ctx context.Context, username, password string) (credentialState, error) {
	u, err := s.Store.Users().GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = s.Hashes.Verify(ctx, password, dummyHash())
			return credentialState{}, ErrInvalidCredentials
		}
		return credentialState{}, err
	}

	if err := s.Hashes.Verify(ctx, password, u.PasswordHash); err != nil {
		if errors.Is(err, cryptox.ErrCorruptHash) {
			slogx.FromContext(ctx).Error("corrupt password hash",
				slog.String("user_id", u.ID))
		}
		return credentialState{}, ErrInvalidCredentials
	}

	return credentialState{user: u, amr: []string{AMRPassword}}, nil
}

// Refresh redeems a refresh token, rotating it in the same step. The store's
// conditional update guarantees a token redeems at most once; a losing racer
// (or a replayed stolen token) sees ErrSessionRevoked.
func (s *AuthService) Refresh(ctx context.Context, ip, refreshToken string) (*domain.TokenPair, error) {
	if err := s.gate(ctx, ip, ratelimit.CategoryRefresh); err != nil {
		return nil, err
	}

	oldHash := cryptox.FingerprintToken(refreshToken)
	now := time.Now()

	// Pre-check the row for the caller's benefit: distinguish unknown,
	// revoked and expired. The conditional update below remains the only
	// arbiter under concurrency.
	cur, err := s.Store.Sessions().GetSessionByTokenHash(ctx, oldHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if cur.Revoked {
		return nil, ErrSessionRevoked
	}
	if now.After(cur.ExpiresAt) {
		_ = s.Store.Sessions().RevokeSession(ctx, cur.ID)
		return nil, ErrSessionExpired
	}

	newOpaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	newHash := cryptox.FingerprintToken(newOpaque)

	sess, err := s.Store.Sessions().RotateSession(ctx, oldHash, newHash, now.Add(s.refreshTTL()))
	if err != nil {
		if errors.Is(err, store.ErrRotationConflict) {
			return nil, ErrSessionRevoked
		}
		return nil, err
	}

	u, err := s.Store.Users().GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	// The refreshed access token reports how the session was opened, not
	// a fresh password check that never happened.
	amr := sess.AMR
	if len(amr) == 0 {
		amr = []string{AMRPassword}
	}
	access, expiresAt, err := s.mintAccess(u, sess.ID, amr)
	if err != nil {
		return nil, err
	}

	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: newOpaque,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		ExpiresIn:    int64(s.accessTTL().Seconds()),
	}, nil
}

// Logout revokes the session owning this refresh token. Unknown or already
// revoked tokens are a successful logout.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	hash := cryptox.FingerprintToken(refreshToken)

	sess, err := s.Store.Sessions().GetSessionByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.Store.Sessions().RevokeSession(ctx, sess.ID)
}

// RevokeAll revokes every session a user holds. Access tokens already in
// flight remain valid until expiry; only the refresh path is cut.
func (s *AuthService) RevokeAll(ctx context.Context, userID string) error {
	return s.Store.Sessions().RevokeAllUserSessions(ctx, userID)
}

// ChangePassword recomputes the hash after re-verifying the current
// password. Every session is revoked so a stolen refresh token does not
// outlive the change; the caller gets a fresh pair in exchange. The calling
// session must still be live — an access token outliving a revoke-all is
// not enough to change credentials.
func (s *AuthService) ChangePassword(ctx context.Context, userID, sessionID, oldPassword, newPassword string) (*domain.TokenPair, error) {
	sess, err := s.Store.Sessions().GetSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.Revoked || sess.UserID != userID {
		return nil, ErrSessionRevoked
	}

	u, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.Hashes.Verify(ctx, oldPassword, u.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}
	if newPassword == "" {
		return nil, ErrInvalidCredentials
	}

	hash, err := s.Hashes.Hash(ctx, newPassword)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if err := s.Store.Users().UpdatePasswordHash(ctx, userID, hash); err != nil {
		return nil, err
	}
	if err := s.Store.Sessions().RevokeAllUserSessions(ctx, userID); err != nil {
		return nil, err
	}

	slogx.FromContext(ctx).Info("password changed", slog.String("user_id", userID))
	return s.issueTokens(ctx, u, []string{AMRPassword})
}

// OIDCLogin completes a federated sign-in: callback exchange, identity
// resolution, auto-registration when the identity is new, then the same
// token issuance as a password login. An account with MFA enabled must
// still present a TOTP code; the provider's own second factor does not
// substitute for ours. The state nonce is consumed either way, so a caller
// answering *MFARequiredError restarts the authorize leg with a code ready.
func (s *AuthService) OIDCLogin(ctx context.Context, ip, provider, code, state, otpCode string) (*domain.TokenPair, error) {
	l := slogx.FromContext(ctx)

	if err := s.gate(ctx, ip, ratelimit.CategoryLogin); err != nil {
		return nil, err
	}

	identity, err := s.OIDC.HandleCallback(ctx, provider, code, state)
	if err != nil {
		return nil, err
	}

	u, err := s.OIDC.Resolve(ctx, identity)
	if errors.Is(err, ErrNeedsRegistration) {
		u, err = s.registerFederated(ctx, identity)
	}
	if err != nil {
		return nil, err
	}

	amr := []string{AMRFederated}
	if u.MFAActive() {
		if otpCode == "" {
			return nil, &MFARequiredError{UserID: u.ID}
		}
		if err := s.MFA.verifyCode(u, otpCode); err != nil {
			s.recordFailure(ctx, ip)
			return nil, err
		}
		amr = append(amr, AMROTP)
	}

	l.Info("federated login",
		slog.String("user_id", u.ID),
		slog.String("provider", provider),
	)
	return s.issueTokens(ctx, u, amr)
}

// registerFederated creates a local account for a first-time federated
// identity. No password is set; the account can only sign in through the
// provider until the user sets one.
func (s *AuthService) registerFederated(ctx context.Context, identity domain.OIDCIdentity) (domain.User, error) {
	u := domain.User{
		ID:       idx.New().String(),
		Username: federatedUsername(identity),
	}
	if identity.EmailVerified && identity.Email != "" {
		u.Email = &identity.Email
	}

	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().CreateUser(ctx, u); err != nil {
			return err
		}
		return tx.FederatedIdentities().CreateFederatedIdentity(ctx, domain.FederatedIdentity{
			ID:       idx.New().String(),
			UserID:   u.ID,
			Provider: identity.Provider,
			Subject:  identity.Subject,
			Email:    identity.Email,
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a race with a concurrent first sign-in; resolve again.
			return s.OIDC.Resolve(ctx, identity)
		}
		return domain.User{}, err
	}
	return u, nil
}

// issueTokens mints an access token and opens a fresh session for the
// refresh token. The single funnel for all token issuance.
func (s *AuthService) issueTokens(ctx context.Context, u domain.User, amr []string) (*domain.TokenPair, error) {
	now := time.Now()

	refreshOpaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	sess := domain.Session{
		ID:        idx.New().String(),
		UserID:    u.ID,
		TokenHash: cryptox.FingerprintToken(refreshOpaque),
		AMR:       amr,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL()),
	}
	if err := s.Store.Sessions().CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	access, expiresAt, err := s.mintAccess(u, sess.ID, amr)
	if err != nil {
		return nil, err
	}

	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refreshOpaque,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		ExpiresIn:    int64(s.accessTTL().Seconds()),
	}, nil
}

func (s *AuthService) mintAccess(u domain.User, sid string, amr []string) (string, time.Time, error) {
	now := time.Now()
	claims := jwtx.NewAccessClaims(u.ID, sid, u.Username, amr, s.accessTTL(), s.Issuer, now)

	token, err := s.Signer.Sign(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return token, now.Add(s.accessTTL()), nil
}

// gate applies the shared per-IP budget. Limiter infrastructure failures
// fail open with a log line; blocking every login because Redis blinked is
// worse than briefly losing the counters.
func (s *AuthService) gate(ctx context.Context, ip string, cat ratelimit.Category) error {
	if s.Limiter == nil {
		return nil
	}
	err := s.Limiter.Attempt(ctx, ip, cat)
	var blocked *ratelimit.BlockedError
	if errors.As(err, &blocked) {
		return blocked
	}
	if err != nil {
		slogx.FromContext(ctx).Warn("rate limiter unavailable", slog.Any("error", err))
	}
	return nil
}

func (s *AuthService) recordFailure(ctx context.Context, ip string) {
	if s.Limiter == nil {
		return
	}
	if err := s.Limiter.RecordLoginFailure(ctx, ip); err != nil {
		slogx.FromContext(ctx).Warn("failed to record login failure", slog.Any("error", err))
	}
}

func (s *AuthService) accessTTL() time.Duration {
	if s.AccessTTL > 0 {
		return s.AccessTTL
	}
	return jwtx.DefaultAccessTokenTTL
}

func (s *AuthService) refreshTTL() time.Duration {
	if s.RefreshTTL > 0 {
		return s.RefreshTTL
	}
	return jwtx.DefaultRefreshTokenTTL
}

// federatedUsername derives a local username from the provider profile.
// Usernames must be unique; a ULID suffix avoids collisions fighting real
// registrations.
func federatedUsername(identity domain.OIDCIdentity) string {
	base := identity.Email
	if i := strings.IndexByte(base, '@'); i > 0 {
		base = base[:i]
	}
	if base == "" {
		base = strings.ToLower(identity.Provider) + "-user"
	}
	return base + "-" + strings.ToLower(idx.New().String()[20:])
}

// dummyHash is a real argon2id hash of a random value, verified against
// submitted passwords for unknown usernames so both paths cost the same.
// Built on first use, after pepper and cost parameters are configured.
var dummyHash = sync.OnceValue(func() string {
	token, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		panic(err)
	}
	h, err := cryptox.HashPassword(token)
	if err != nil {
		panic(err)
	}
	return h
})
