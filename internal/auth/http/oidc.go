package http

import (
	"net/http"

	"github.com/havenchat/haven-auth/internal/auth/service"
	"github.com/havenchat/haven-auth/pkg/httpx"
)

// OIDCHandler serves the federated sign-in legs.
type OIDCHandler struct {
	AuthService *service.AuthService
	OIDCService *service.OIDCService
}

// HandleAuthorize serves GET /v1/oidc/{provider}/authorize. Redirects the
// browser to the provider; API clients can pass ?redirect=false to receive
// the URL as JSON instead.
func (h *OIDCHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	authorizeURL, err := h.OIDCService.BuildAuthorizeURL(r.Context(), provider)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if r.URL.Query().Get("redirect") == "false" {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"authorize_url": authorizeURL})
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// HandleCallback serves GET /v1/oidc/{provider}/callback, finishing the
// flow with a normal token pair.
func (h *OIDCHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	q := r.URL.Query()

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		errInvalidRequest.WriteError(w)
		return
	}

	pair, err := h.AuthService.OIDCLogin(r.Context(), httpx.ClientIP(r), provider, code, state, q.Get("totp_code"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pair)
}
