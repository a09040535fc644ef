package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const readinessTimeout = 2 * time.Second

// health is a liveness endpoint for container probes.
func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness reports whether the durable tier is reachable. A degraded
// cache (in-process fallback) does not fail readiness; it is reported in
// the body so operators can see the tier state.
func readiness(pool *pgxpool.Pool, cacheConnected func() bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":          "ready",
			"cache_connected": cacheConnected(),
		}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				body["status"] = "unavailable"
				body["database"] = err.Error()
				writeJSON(w, http.StatusServiceUnavailable, body)
				return
			}
			stats := pool.Stat()
			body["pool"] = map[string]any{
				"total_conns": stats.TotalConns(),
				"idle_conns":  stats.IdleConns(),
			}
		}

		writeJSON(w, http.StatusOK, body)
	})
}
