package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/havenchat/haven-auth/internal/auth/service"
	"github.com/havenchat/haven-auth/pkg/httpx"
	"github.com/havenchat/haven-auth/pkg/jwtx"
)

// AuthHandler serves the credential and session lifecycle endpoints.
type AuthHandler struct {
	AuthService *service.AuthService
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// decodeJSON decodes a JSON body, rejecting unknown fields so typos fail
// loudly instead of being silently ignored.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// HandleRegister serves POST /v1/auth/register.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		errInvalidBody.WriteError(w)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		errInvalidRequest.WriteError(w)
		return
	}

	pair, err := h.AuthService.Register(r.Context(), httpx.ClientIP(r), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, pair)
}

// HandleLogin serves POST /v1/auth/login.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		errInvalidBody.WriteError(w)
		return
	}
	if req.Username == "" || req.Password == "" {
		errInvalidRequest.WriteError(w)
		return
	}

	pair, err := h.AuthService.Login(r.Context(), httpx.ClientIP(r), req.Username, req.Password, req.TOTPCode)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pair)
}

// HandleRefresh serves POST /v1/auth/refresh.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		errInvalidBody.WriteError(w)
		return
	}
	if req.RefreshToken == "" {
		errInvalidRequest.WriteError(w)
		return
	}

	pair, err := h.AuthService.Refresh(r.Context(), httpx.ClientIP(r), req.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pair)
}

// HandleLogout serves POST /v1/auth/logout. Always 200 on well-formed
// requests; logging out an unknown token is still logged out.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		errInvalidBody.WriteError(w)
		return
	}
	if req.RefreshToken == "" {
		errInvalidRequest.WriteError(w)
		return
	}

	if err := h.AuthService.Logout(r.Context(), req.RefreshToken); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// HandleRevokeAll serves POST /v1/auth/revoke-all. Revokes every session of
// the authenticated user; in-flight access tokens survive until expiry.
func (h *AuthHandler) HandleRevokeAll(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(httpx.CtxKeyUserID).(string)
	if userID == "" {
		errServer.WriteError(w)
		return
	}

	if err := h.AuthService.RevokeAll(r.Context(), userID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// HandleChangePassword serves POST /v1/auth/password. All sessions are
// revoked on success; the response carries a fresh token pair so the caller
// stays signed in on this device.
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(httpx.CtxKeyClaims).(jwtx.Claims)
	if !ok {
		errServer.WriteError(w)
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		errInvalidBody.WriteError(w)
		return
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		errInvalidRequest.WriteError(w)
		return
	}

	pair, err := h.AuthService.ChangePassword(r.Context(), claims.Subject, claims.SID, req.OldPassword, req.NewPassword)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pair)
}
