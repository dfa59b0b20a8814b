package postgres

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
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *usersRepo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (r *usersRepo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	now := time.Now().UTC()
	var email any
	if u.Email != nil {
		email = *u.Email
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, email, u.PasswordHash, now, now,
	)
	return mapConstraint(err)
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`,
		newHash, time.Now().UTC(), userID,
	)
	return err
}

func (r *usersRepo) UpdateMFASecret(ctx context.Context, userID, secret string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET mfa_secret = $1, updated_at = $2 WHERE id = $3`,
		mapOptionalString(secret), time.Now().UTC(), userID,
	)
	return err
}

func (r *usersRepo) EnableMFA(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET mfa_enabled = $1, updated_at = $2 WHERE id = $3`,
		now, now, userID,
	)
	return err
}

func (r *usersRepo) DisableMFA(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET mfa_enabled = NULL, mfa_secret = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), userID,
	)
	return err
}
