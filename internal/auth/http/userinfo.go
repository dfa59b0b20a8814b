package http

import (
	"net/http"

	"github.com/havenchat/haven-auth/pkg/httpx"
	"github.com/havenchat/haven-auth/pkg/jwtx"
)

// UserInfoHandler serves GET /v1/userinfo: the verified claims of the
// presented access token, no store round-trip.
type UserInfoHandler struct{}

type userInfoResponse struct {
	Sub       string   `json:"sub"`
	Username  string   `json:"username,omitempty"`
	SessionID string   `json:"sid,omitempty"`
	AMR       []string `json:"amr,omitempty"`
	ExpiresAt int64    `json:"exp"`
}

func (h *UserInfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(httpx.CtxKeyClaims).(jwtx.Claims)
	if !ok {
		errServer.WriteError(w)
		return
	}

	resp := userInfoResponse{
		Sub:       claims.Subject,
		Username:  claims.Username,
		SessionID: claims.SID,
		AMR:       claims.AMR,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
