package domain

import "time"

// FederatedIdentity links an external identity-provider subject to a local
// user. Matched on (provider, subject) during OIDC sign-in.
type FederatedIdentity struct {
	ID        string
	UserID    string
	Provider  string
	Subject   string // the provider's stable "sub" for this user
	Email     string
	CreatedAt time.Time
}

// OIDCIdentity is the resolved profile handed back by the provider after a
// successful callback exchange. It carries no local user information.
type OIDCIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// OIDCStateEntry binds an authorization redirect to its callback. Stored in
// the shared keyed store, consumed exactly once.
type OIDCStateEntry struct {
	Nonce     string    `json:"nonce"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
