package sqlite

import (
	"context"
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
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		s.ID, s.UserID, s.TokenHash, joinAMR(s.AMR), s.IssuedAt, s.ExpiresAt, now, now,
	)
	return mapConstraint(err)
}

func (r *sessionsRepo) GetSessionByTokenHash(ctx context.Context, hash string) (domain.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, hash))
}

func (r *sessionsRepo) GetSessionByID(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// RotateSession is a single conditional UPDATE keyed by the current token
// hash. Two concurrent redemptions of the same refresh token race on this
// statement; exactly one matches a row, the other gets ErrRotationConflict.
func (r *sessionsRepo) RotateSession(
	ctx context.Context,
	oldHash, newHash string,
	expiresAt time.Time,
) (domain.Session, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET token_hash = ?, issued_at = ?, expires_at = ?, updated_at = ?
		 WHERE token_hash = ? AND revoked = 0`,
		newHash, now, expiresAt, now, oldHash,
	)
	if err != nil {
		return domain.Session{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Session{}, err
	}
	if affected == 0 {
		return domain.Session{}, store.ErrRotationConflict
	}

	return r.GetSessionByTokenHash(ctx, newHash)
}

func (r *sessionsRepo) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID,
	)
	return err
}

func (r *sessionsRepo) RevokeAllUserSessions(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1, updated_at = ? WHERE user_id = ? AND revoked = 0`,
		time.Now().UTC(), userID,
	)
	return err
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, time.Now().UTC())
	return err
}
