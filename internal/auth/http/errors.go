package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/havenchat/haven-auth/internal/auth/ratelimit"
	"github.com/havenchat/haven-auth/internal/auth/service"
	"github.com/havenchat/haven-auth/pkg/httpx"
	"github.com/havenchat/haven-auth/pkg/slogx"
)

// APIError is the wire shape of every error this service returns:
// {"error": code, "error_description": text}.
type APIError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// WriteError writes the error to w as JSON.
func (e *APIError) WriteError(w http.ResponseWriter) {
	httpx.NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	_ = json.NewEncoder(w).Encode(e)
}

var (
	errInvalidRequest = &APIError{
		StatusCode:  http.StatusBadRequest,
		Code:        "invalid_request",
		Description: "the request is missing a required parameter or is malformed",
	}
	errInvalidBody = &APIError{
		StatusCode:  http.StatusBadRequest,
		Code:        "invalid_request",
		Description: "request body must be valid JSON",
	}
	errInvalidCredentials = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        "invalid_credentials",
		Description: "username or password is incorrect",
	}
	errInvalidOTP = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        "invalid_otp",
		Description: "the one-time code is not valid",
	}
	errMFARequired = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        "mfa_required",
		Description: "this account requires a one-time code to sign in",
	}
	errUsernameTaken = &APIError{
		StatusCode:  http.StatusConflict,
		Code:        "username_taken",
		Description: "that username is already registered",
	}
	errInvalidSession = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        "invalid_grant",
		Description: "the refresh token is invalid, expired or revoked",
	}
	errSessionExpired = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        "session_expired",
		Description: "the session has expired, sign in again",
	}
	errMFAAlreadyEnabled = &APIError{
		StatusCode:  http.StatusConflict,
		Code:        "mfa_already_enabled",
		Description: "multi-factor authentication is already active",
	}
	errMFANotEnrolled = &APIError{
		StatusCode:  http.StatusBadRequest,
		Code:        "mfa_not_enrolled",
		Description: "no pending enrollment, call enroll first",
	}
	errUnknownProvider = &APIError{
		StatusCode:  http.StatusNotFound,
		Code:        "unknown_provider",
		Description: "no such identity provider is configured",
	}
	errStateMismatch = &APIError{
		StatusCode:  http.StatusBadRequest,
		Code:        "state_mismatch",
		Description: "the state parameter is unknown or already used",
	}
	errStateExpired = &APIError{
		StatusCode:  http.StatusBadRequest,
		Code:        "state_expired",
		Description: "the sign-in attempt took too long, start again",
	}
	errProviderExchange = &APIError{
		StatusCode:  http.StatusBadGateway,
		Code:        "provider_exchange_failed",
		Description: "the identity provider rejected the sign-in",
	}
	errServer = &APIError{
		StatusCode:  http.StatusInternalServerError,
		Code:        "server_error",
		Description: "an internal error occurred",
	}
)

// writeServiceError translates the service error taxonomy to the wire. Every
// credential-adjacent failure maps to the same invalid_credentials body so a
// caller cannot probe which usernames exist.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var blocked *ratelimit.BlockedError
	if errors.As(err, &blocked) {
		writeRateLimited(w, blocked)
		return
	}

	var mfaReq *service.MFARequiredError
	if errors.As(err, &mfaReq) {
		errMFARequired.WriteError(w)
		return
	}

	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		errInvalidCredentials.WriteError(w)
	case errors.Is(err, service.ErrMFAInvalid):
		errInvalidOTP.WriteError(w)
	case errors.Is(err, service.ErrUsernameTaken):
		errUsernameTaken.WriteError(w)
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrSessionRevoked):
		errInvalidSession.WriteError(w)
	case errors.Is(err, service.ErrSessionExpired):
		errSessionExpired.WriteError(w)
	case errors.Is(err, service.ErrMFAAlreadyEnabled):
		errMFAAlreadyEnabled.WriteError(w)
	case errors.Is(err, service.ErrMFANotEnrolled), errors.Is(err, service.ErrMFANotEnabled):
		errMFANotEnrolled.WriteError(w)
	case errors.Is(err, service.ErrUnknownProvider):
		errUnknownProvider.WriteError(w)
	case errors.Is(err, service.ErrStateMismatch):
		errStateMismatch.WriteError(w)
	case errors.Is(err, service.ErrStateExpired):
		errStateExpired.WriteError(w)
	case errors.Is(err, service.ErrProviderExchange):
		errProviderExchange.WriteError(w)
	default:
		slogx.FromContext(r.Context()).Error("request failed", "err", err)
		errServer.WriteError(w)
	}
}

func writeRateLimited(w http.ResponseWriter, blocked *ratelimit.BlockedError) {
	retry := int(blocked.RetryAfter.Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	(&APIError{
		StatusCode:  http.StatusTooManyRequests,
		Code:        "rate_limited",
		Description: "too many attempts, slow down",
	}).WriteError(w)
}
