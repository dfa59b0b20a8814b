package postgres

import (
	"context"
	"time"

	"github.com/havenchat/haven-auth/internal/auth/domain"
)

type federatedRepo struct {
	db dbtx
}

func (r *federatedRepo) CreateFederatedIdentity(ctx context.Context, fi domain.FederatedIdentity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO federated_identities (id, user_id, provider, subject, email, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		fi.ID, fi.UserID, fi.Provider, fi.Subject, mapOptionalString(fi.Email), time.Now().UTC(),
	)
	return mapConstraint(err)
}

func (r *federatedRepo) GetByProviderSubject(
	ctx context.Context,
	provider, subject string,
) (domain.FederatedIdentity, error) {
	var fi domain.FederatedIdentity
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, subject, COALESCE(email, ''), created_at
		 FROM federated_identities WHERE provider = $1 AND subject = $2`,
		provider, subject,
	)
	if err := row.Scan(&fi.ID, &fi.UserID, &fi.Provider, &fi.Subject, &fi.Email, &fi.CreatedAt); err != nil {
		return domain.FederatedIdentity{}, mapNotFound(err)
	}
	return fi, nil
}
