package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/havenchat/haven-auth/internal/auth/service"
)

func TestValidateOIDCProviders(t *testing.T) {
	full := service.OIDCProvider{
		Name:         "acme",
		AuthorizeURL: "https://idp.example/authorize",
		TokenURL:     "https://idp.example/token",
		UserinfoURL:  "https://idp.example/userinfo",
		ClientID:     "haven",
		ClientSecret: "haven-secret",
		RedirectURI:  "https://haven.example/v1/oidc/acme/callback",
	}

	t.Run("empty registry passes", func(t *testing.T) {
		require.NoError(t, Config{}.ValidateOIDCProviders())
	})

	t.Run("fully configured provider passes", func(t *testing.T) {
		cfg := Config{OIDCProviders: map[string]service.OIDCProvider{"acme": full}}
		require.NoError(t, cfg.ValidateOIDCProviders())
	})

	t.Run("missing token endpoint names the variable", func(t *testing.T) {
		broken := full
		broken.TokenURL = ""
		cfg := Config{OIDCProviders: map[string]service.OIDCProvider{"acme": broken}}
		err := cfg.ValidateOIDCProviders()
		require.Error(t, err)
		require.Contains(t, err.Error(), "AUTH_OIDC_ACME_TOKEN_URL")
	})

	t.Run("client secret may be empty for public clients", func(t *testing.T) {
		public := full
		public.ClientSecret = ""
		cfg := Config{OIDCProviders: map[string]service.OIDCProvider{"acme": public}}
		require.NoError(t, cfg.ValidateOIDCProviders())
	})
}
