package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/wardrobe/internal/api/response"
)

const healthCheckTimeout = 3 * time.Second

// Pinger is anything whose connectivity can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readier reports whether the inference service is accepting requests.
type Readier interface {
	Ready(ctx context.Context) error
}

// NewHealthHandler returns GET /api/v1/health. The database and cache are
// required; an unreachable inference service only marks the response degraded,
// since queued jobs simply fail until it returns.
func NewHealthHandler(db, cache Pinger, inference Readier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		checks := map[string]string{
			"database":  "ok",
			"cache":     "ok",
			"inference": "ok",
		}
		if err := db.Ping(ctx); err != nil {
			checks["database"] = "degraded"
		}
		if err := cache.Ping(ctx); err != nil {
			checks["cache"] = "degraded"
		}
		if inference != nil {
			if err := inference.Ready(ctx); err != nil {
				checks["inference"] = "degraded"
			}
		} else {
			checks["inference"] = "disabled"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		status := "ok"
		if checks["inference"] == "degraded" {
			status = "degraded"
		}
		response.JSON(w, map[string]any{
			"status":   status,
			"services": checks,
		})
	}
}
