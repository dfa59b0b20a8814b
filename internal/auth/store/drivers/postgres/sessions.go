package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/havenchat/haven-auth/internal/auth/domain"
	"github.com/havenchat/haven-auth/internal/auth/store"
)

type sessionsRepo struct {
	db dbtx
}

const sessionColumns = `id, user_id, token_hash, amr, issued_at, expires_at, revoked, created_at, updated_at`

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.Session) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, amr, issued_at, expires_at, revoked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)`,
		s.ID, s.UserID, s.TokenHash, joinAMR(s.AMR), s.IssuedAt, s.ExpiresAt, now, now,
	)
	return mapConstraint(err)
}

func (r *sessionsRepo) GetSessionByTokenHash(ctx context.Context, hash string) (domain.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, hash))
}

func (r *sessionsRepo) GetSessionByID(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

// RotateSession relies on a single conditional UPDATE with RETURNING so the
// winner of two concurrent redemptions is decided by the database.
func (r *sessionsRepo) RotateSession(
	ctx context.Context,
	oldHash, newHash string,
	expiresAt time.Time,
) (domain.Session, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx,
		`UPDATE sessions
		 SET token_hash = $1, issued_at = $2, expires_at = $3, updated_at = $4
		 WHERE token_hash = $5 AND revoked = FALSE
		 RETURNING `+sessionColumns,
		newHash, now, expiresAt, now, oldHash,
	)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Session{}, store.ErrRotationConflict
		}
		return domain.Session{}, err
	}
	return s, nil
}

func (r *sessionsRepo) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), sessionID,
	)
	return err
}

func (r *sessionsRepo) RevokeAllUserSessions(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = TRUE, updated_at = $1 WHERE user_id = $2 AND revoked = FALSE`,
		time.Now().UTC(), userID,
	)
	return err
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < $1`, time.Now().UTC())
	return err
}
