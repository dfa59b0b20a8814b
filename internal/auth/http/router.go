package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/havenchat/haven-auth/internal/auth/service"
	"github.com/havenchat/haven-auth/internal/auth/store"
	"github.com/havenchat/haven-auth/pkg/httpx"
	"github.com/havenchat/haven-auth/pkg/jwtx"
	"github.com/havenchat/haven-auth/pkg/slogx"

	"github.com/redis/go-redis/v9"
)

// Router holds shared dependencies for HTTP handlers. The in-process
// token-bucket limits here are a transport backstop; the shared per-IP
// budgets live in the service layer behind Redis.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	verifier     jwtx.Verifier
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store store.Store
	redis redis.UniversalClient

	AuthService *service.AuthService
	MFAService  *service.MFAService
	OIDCService *service.OIDCService
}

func NewRouter(
	verifier jwtx.Verifier,
	buildVersion string,
	st store.Store,
	rdb redis.UniversalClient,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		verifier:     verifier,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		redis:        rdb,
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAuth()
	r.registerMFA()
	r.registerOIDC()
	r.registerUserinfo()
	r.registerSystem()
}

// ServeHTTP applies the global middleware chain in front of the mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerAuth() {
	h := &AuthHandler{AuthService: r.AuthService}

	r.Mux.Handle("POST /v1/auth/register",
		httpx.Chain(http.HandlerFunc(h.HandleRegister),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/login",
		httpx.Chain(http.HandlerFunc(h.HandleLogin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/refresh",
		httpx.Chain(http.HandlerFunc(h.HandleRefresh),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/logout",
		httpx.Chain(http.HandlerFunc(h.HandleLogout),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/revoke-all",
		httpx.Chain(http.HandlerFunc(h.HandleRevokeAll),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/password",
		httpx.Chain(http.HandlerFunc(h.HandleChangePassword),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerMFA() {
	h := &MFAHandler{MFAService: r.MFAService}

	enroll := httpx.Chain(http.HandlerFunc(h.HandleEnroll),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByIP(httpx.StrictLimit),
	)
	confirm := httpx.Chain(http.HandlerFunc(h.HandleConfirm),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByIP(httpx.StrictLimit),
	)
	disable := httpx.Chain(http.HandlerFunc(h.HandleDisable),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByIP(httpx.StrictLimit),
	)

	r.Mux.Handle("POST /v1/mfa/enroll", enroll)
	r.Mux.Handle("POST /v1/mfa/confirm", confirm)
	r.Mux.Handle("POST /v1/mfa/disable", disable)
}

func (r *Router) registerOIDC() {
	h := &OIDCHandler{AuthService: r.AuthService, OIDCService: r.OIDCService}

	r.Mux.Handle("GET /v1/oidc/{provider}/authorize",
		httpx.Chain(http.HandlerFunc(h.HandleAuthorize),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("GET /v1/oidc/{provider}/callback",
		httpx.Chain(http.HandlerFunc(h.HandleCallback),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerUserinfo() {
	h := &UserInfoHandler{}

	secured := httpx.Chain(h,
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByIP(httpx.LenientLimit),
	)
	r.Mux.Handle("GET /v1/userinfo", secured)
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez", LivezHandler(r.buildVersion, r.startTime))
	r.Mux.Handle("GET /readyz", ReadyzHandler(r.store, r.redis))
}
