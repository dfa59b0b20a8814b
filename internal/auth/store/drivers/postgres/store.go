package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/havenchat/haven-auth/internal/auth/domain"
	"github.com/havenchat/haven-auth/internal/auth/store"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

// NewStore opens a pooled connection to postgres via the pgx stdlib driver.
func NewStore(url string) (*Store, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Users() store.Users       { return &usersRepo{db: s.db} }
func (s *Store) Sessions() store.Sessions { return &sessionsRepo{db: s.db} }
func (s *Store) FederatedIdentities() store.FederatedIdentities {
	return &federatedRepo{db: s.db}
}

type txStore struct {
	tx *sql.Tx
}

func (t *txStore) Users() store.Users       { return &usersRepo{db: t.tx} }
func (t *txStore) Sessions() store.Sessions { return &sessionsRepo{db: t.tx} }
func (t *txStore) FederatedIdentities() store.FederatedIdentities {
	return &federatedRepo{db: t.tx}
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrAlreadyExists
	}
	return err
}

func mapNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		val := nt.Time
		return &val
	}
	return nil
}

func mapNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		val := ns.String
		return &val
	}
	return nil
}

func mapOptionalString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func scanUser(row *sql.Row) (domain.User, error) {
	var (
		u          domain.User
		email      sql.NullString
		mfaSecret  sql.NullString
		mfaEnabled sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.Username, &email, &u.PasswordHash,
		&mfaSecret, &mfaEnabled, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	u.Email = mapNullStringPtr(email)
	u.MFASecret = mapNullStringPtr(mfaSecret)
	u.MFAEnabled = mapNullTimePtr(mfaEnabled)
	return u, nil
}

func scanSession(row *sql.Row) (domain.Session, error) {
	var (
		s   domain.Session
		amr string
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.TokenHash, &amr, &s.IssuedAt,
		&s.ExpiresAt, &s.Revoked, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.Session{}, mapNotFound(err)
	}
	s.AMR = splitAMR(amr)
	return s, nil
}

func joinAMR(amr []string) string { return strings.Join(amr, " ") }
func splitAMR(s string) []string  { return strings.Fields(s) }
