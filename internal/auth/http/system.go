package http

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/havenchat/haven-auth/internal/auth/store"
	"github.com/havenchat/haven-auth/pkg/httpx"
)

// LivezHandler reports process liveness. It carries no dependency checks so
// a stuck database never turns liveness probes into restarts.
func LivezHandler(version string, start time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": version,
			"uptime":  time.Since(start).Round(time.Second).String(),
		})
	})
}

// ReadyzHandler reports readiness: the store and the shared Redis must both
// answer a ping.
func ReadyzHandler(st store.Store, rdb redis.UniversalClient) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"database": "ok", "redis": "ok"}
		healthy := true

		if err := st.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			}
		}

		code := http.StatusOK
		status := "ok"
		if !healthy {
			code = http.StatusServiceUnavailable
			status = "degraded"
		}
		httpx.WriteJSON(w, code, map[string]any{"status": status, "checks": checks})
	})
}
