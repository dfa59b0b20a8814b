package sqlite

import (
	"context"
	"time"

	"github.com/havenchat/haven-auth/internal/auth/domain"
)

type usersRepo struct {
	db dbtx
}

const userColumns = `id, username, email, password_hash, mfa_secret, mfa_enabled, created_at, updated_at`

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (r *usersRepo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (r *usersRepo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	now := time.Now().UTC()
	var email any
	if u.Email != nil {
		email = *u.Email
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, email, u.PasswordHash, now, now,
	)
	return mapConstraint(err)
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		newHash, time.Now().UTC(), userID,
	)
	return err
}

func (r *usersRepo) UpdateMFASecret(ctx context.Context, userID, secret string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET mfa_secret = ?, updated_at = ? WHERE id = ?`,
		mapOptionalString(secret), time.Now().UTC(), userID,
	)
	return err
}

func (r *usersRepo) EnableMFA(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET mfa_enabled = ?, updated_at = ? WHERE id = ?`,
		now, now, userID,
	)
	return err
}

func (r *usersRepo) DisableMFA(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET mfa_enabled = NULL, mfa_secret = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), userID,
	)
	return err
}
