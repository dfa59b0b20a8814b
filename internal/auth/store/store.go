package store

import (
	"context"
	"errors"
	"time"

	"github.com/havenchat/haven-auth/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrRotationConflict reports that a conditional session rotation
	// matched no live row: the token was already rotated, revoked or
	// never existed. Exactly one of two concurrent redemptions of the
	// same refresh token sees this.
	ErrRotationConflict = errors.New("store: session rotation conflict")
)

// Store is the root data access interface. Concrete drivers (sqlite,
// postgres) implement this. Sub-repositories keep concerns tidy and make it
// harder to accidentally nest transactions.
type Store interface {
	Users() Users
	Sessions() Sessions
	FederatedIdentities() FederatedIdentities

	ApplyMigrations() error

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transaction-scoped Store.
type Tx interface {
	Users() Users
	Sessions() Sessions
	FederatedIdentities() FederatedIdentities
}

type Users interface {
	// GetUserByID returns a user by id.
	GetUserByID(ctx context.Context, id string) (domain.User, error)

	// GetUserByUsername is used during credential checks.
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)

	// GetUserByEmail matches a locally stored verified email, used when
	// linking federated identities.
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)

	// CreateUser inserts a new user (id is a ULID minted by the app).
	// Returns ErrAlreadyExists if the username is taken.
	CreateUser(ctx context.Context, u domain.User) error

	// UpdatePasswordHash sets the password_hash and bumps updated_at.
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error

	// UpdateMFASecret stores a pending (not yet confirmed) TOTP secret.
	UpdateMFASecret(ctx context.Context, userID, secret string) error

	// EnableMFA confirms enrollment: sets the mfa_enabled timestamp.
	EnableMFA(ctx context.Context, userID string) error

	// DisableMFA clears both mfa_enabled and mfa_secret.
	DisableMFA(ctx context.Context, userID string) error
}

type Sessions interface {
	// CreateSession stores a new refresh-token record.
	CreateSession(ctx context.Context, s domain.Session) error

	// GetSessionByTokenHash returns the session holding this fingerprint.
	GetSessionByTokenHash(ctx context.Context, hash string) (domain.Session, error)

	// GetSessionByID returns a session by its id.
	GetSessionByID(ctx context.Context, id string) (domain.Session, error)

	// RotateSession atomically replaces the stored fingerprint with a new
	// one, conditioned on oldHash still being current and the session not
	// revoked. A single conditional UPDATE — this is what makes a refresh
	// token redeemable exactly once under concurrency. Returns
	// ErrRotationConflict if no live row matched.
	RotateSession(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (domain.Session, error)

	// RevokeSession flips revoked, idempotent.
	RevokeSession(ctx context.Context, sessionID string) error

	// RevokeAllUserSessions bulk revocation for a user (e.g. password
	// reset), idempotent.
	RevokeAllUserSessions(ctx context.Context, userID string) error

	// DeleteExpiredSessions is housekeeping.
	DeleteExpiredSessions(ctx context.Context) error
}

type FederatedIdentities interface {
	// CreateFederatedIdentity links a provider subject to a local user.
	CreateFederatedIdentity(ctx context.Context, fi domain.FederatedIdentity) error

	// GetByProviderSubject resolves (provider, subject) to a link.
	GetByProviderSubject(ctx context.Context, provider, subject string) (domain.FederatedIdentity, error)
}
