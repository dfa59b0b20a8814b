package http

import (
	"net/http"

	"github.com/havenchat/haven-auth/internal/auth/service"
	"github.com/havenchat/haven-auth/pkg/httpx"
)

// MFAHandler serves TOTP enrollment. Both endpoints require a bearer token;
// the user being enrolled is always the authenticated one.
type MFAHandler struct {
	MFAService *service.MFAService
}

type mfaConfirmRequest struct {
	Code string `json:"code"`
}

// HandleEnroll serves POST /v1/mfa/enroll. Returns the secret and
// provisioning URI; MFA stays off until the code is confirmed.
func (h *MFAHandler) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(httpx.CtxKeyUserID).(string)
	if userID == "" {
		errServer.WriteError(w)
		return
	}

	resp, err := h.MFAService.Enroll(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// HandleConfirm serves POST /v1/mfa/confirm, activating MFA on the first
// valid code.
func (h *MFAHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(httpx.CtxKeyUserID).(string)
	if userID == "" {
		errServer.WriteError(w)
		return
	}

	var req mfaConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		errInvalidBody.WriteError(w)
		return
	}
	if req.Code == "" {
		errInvalidRequest.WriteError(w)
		return
	}

	if err := h.MFAService.ConfirmEnroll(r.Context(), userID, req.Code); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

// HandleDisable serves POST /v1/mfa/disable. Requires a current code so a
// stolen access token alone cannot turn MFA off.
func (h *MFAHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(httpx.CtxKeyUserID).(string)
	if userID == "" {
		errServer.WriteError(w)
		return
	}

	var req mfaConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		errInvalidBody.WriteError(w)
		return
	}
	if req.Code == "" {
		errInvalidRequest.WriteError(w)
		return
	}

	if err := h.MFAService.Disable(r.Context(), userID, req.Code); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}
