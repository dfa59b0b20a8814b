package domain

import "time"

// TokenPair is what a successful authentication returns: the short-lived
// signed access token and the opaque refresh token.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"` // "Bearer"
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    int64     `json:"expires_in"` // seconds until access token expiry
}
