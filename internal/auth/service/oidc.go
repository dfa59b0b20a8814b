package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/havenchat/haven-auth/internal/auth/domain"
	"github.com/havenchat/haven-auth/internal/auth/store"
	"github.com/havenchat/haven-auth/pkg/cryptox"
	"github.com/havenchat/haven-auth/pkg/idx"
	"github.com/havenchat/haven-auth/pkg/slogx"
)

const (
	// DefaultStateTTL is how long an authorization redirect stays
	// redeemable at the callback.
	DefaultStateTTL = 10 * time.Minute

	// stateKeySlack keeps a logically expired state entry around long
	// enough that its consumption can report "expired" rather than
	// "unknown". After the slack the keyspace forgets it entirely.
	stateKeySlack = 5 * time.Minute

	// providerTimeout bounds every outbound call to an identity provider.
	providerTimeout = 10 * time.Second
)

// OIDCProvider is one configured upstream identity provider.
type OIDCProvider struct {
	Name         string
	AuthorizeURL string
	TokenURL     string
	UserinfoURL  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// OIDCService drives the authorization-code flow against configured
// providers. State nonces live in the shared keyed store so any instance can
// serve the callback. The service resolves identities to local users but
// never mints tokens; that stays with the orchestrator.
type OIDCService struct {
	Store     store.Store
	Redis     redis.UniversalClient
	Providers map[string]OIDCProvider

	// HTTPClient is used for token exchange and userinfo calls. Defaults
	// to a client with providerTimeout.
	HTTPClient *http.Client

	// StateTTL overrides DefaultStateTTL when positive.
	StateTTL time.Duration
}

func stateKey(nonce string) string { return "oidc:state:" + nonce }

func (s *OIDCService) stateTTL() time.Duration {
	if s.StateTTL > 0 {
		return s.StateTTL
	}
	return DefaultStateTTL
}

func (s *OIDCService) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: providerTimeout}
}

// BuildAuthorizeURL creates a single-use state nonce, stores it, and returns
// the provider's authorization URL to redirect the user to.
func (s *OIDCService) BuildAuthorizeURL(ctx context.Context, provider string) (string, error) {
	p, ok := s.Providers[provider]
	if !ok {
		return "", ErrUnknownProvider
	}

	nonce, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", fmt.Errorf("generate state nonce: %w", err)
	}

	now := time.Now()
	entry := domain.OIDCStateEntry{
		Nonce:     nonce,
		Provider:  provider,
		CreatedAt: now,
		ExpiresAt: now.Add(s.stateTTL()),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	if err := s.Redis.Set(ctx, stateKey(nonce), raw, s.stateTTL()+stateKeySlack).Err(); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("scope", strings.Join(p.Scopes, " "))
	q.Set("state", nonce)

	sep := "?"
	if strings.Contains(p.AuthorizeURL, "?") {
		sep = "&"
	}
	return p.AuthorizeURL + sep + q.Encode(), nil
}

// consumeState atomically removes and validates a state nonce. The GETDEL is
// the race arbiter: two concurrent callbacks with the same state see exactly
// one success.
func (s *OIDCService) consumeState(ctx context.Context, provider, state string) error {
	raw, err := s.Redis.GetDel(ctx, stateKey(state)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrStateMismatch
	}
	if err != nil {
		return fmt.Errorf("consume state: %w", err)
	}

	var entry domain.OIDCStateEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return ErrStateMismatch
	}
	if entry.Provider != provider {
		return ErrStateMismatch
	}
	if time.Now().After(entry.ExpiresAt) {
		return ErrStateExpired
	}
	return nil
}

// HandleCallback consumes the state nonce, exchanges the authorization code
// and fetches the provider's profile. State is settled before any network
// call so a forged or replayed callback never reaches the provider.
func (s *OIDCService) HandleCallback(ctx context.Context, provider, code, state string) (domain.OIDCIdentity, error) {
	p, ok := s.Providers[provider]
	if !ok {
		return domain.OIDCIdentity{}, ErrUnknownProvider
	}

	if err := s.consumeState(ctx, provider, state); err != nil {
		return domain.OIDCIdentity{}, err
	}

	accessToken, err := s.exchangeCode(ctx, p, code)
	if err != nil {
		return domain.OIDCIdentity{}, err
	}

	identity, err := s.fetchUserinfo(ctx, p, accessToken)
	if err != nil {
		return domain.OIDCIdentity{}, err
	}
	identity.Provider = provider
	return identity, nil
}

// exchangeCode redeems the authorization code for a provider access token.
func (s *OIDCService) exchangeCode(ctx context.Context, p OIDCProvider, code string) (string, error) {
	l := slogx.FromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.RedirectURI)
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		l.Warn("oidc token exchange failed", slog.String("provider", p.Name), slog.Any("error", err))
		return "", ErrProviderExchange
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		l.Warn("oidc token exchange rejected",
			slog.String("provider", p.Name),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)),
		)
		return "", ErrProviderExchange
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil || tokenResp.AccessToken == "" {
		return "", ErrProviderExchange
	}
	return tokenResp.AccessToken, nil
}

// fetchUserinfo loads the provider's profile for the exchanged token.
func (s *OIDCService) fetchUserinfo(ctx context.Context, p OIDCProvider, accessToken string) (domain.OIDCIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserinfoURL, nil)
	if err != nil {
		return domain.OIDCIdentity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return domain.OIDCIdentity{}, ErrProviderExchange
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.OIDCIdentity{}, ErrProviderExchange
	}

	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil || info.Sub == "" {
		return domain.OIDCIdentity{}, ErrProviderExchange
	}

	return domain.OIDCIdentity{
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
	}, nil
}

// Resolve maps a federated identity to a local user. Order: an existing
// (provider, subject) link wins; otherwise a verified email matching a local
// account creates the link; otherwise the caller must register the user
// first (ErrNeedsRegistration).
func (s *OIDCService) Resolve(ctx context.Context, identity domain.OIDCIdentity) (domain.User, error) {
	link, err := s.Store.FederatedIdentities().GetByProviderSubject(ctx, identity.Provider, identity.Subject)
	if err == nil {
		return s.Store.Users().GetUserByID(ctx, link.UserID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.User{}, err
	}

	if !identity.EmailVerified || identity.Email == "" {
		return domain.User{}, ErrNeedsRegistration
	}

	u, err := s.Store.Users().GetUserByEmail(ctx, identity.Email)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrNeedsRegistration
	}
	if err != nil {
		return domain.User{}, err
	}

	fi := domain.FederatedIdentity{
		ID:       idx.New().String(),
		UserID:   u.ID,
		Provider: identity.Provider,
		Subject:  identity.Subject,
		Email:    identity.Email,
	}
	if err := s.Store.FederatedIdentities().CreateFederatedIdentity(ctx, fi); err != nil {
		// A concurrent callback linked it first; the link points at the
		// same user either way.
		if !errors.Is(err, store.ErrAlreadyExists) {
			return domain.User{}, err
		}
	}
	return u, nil
}
