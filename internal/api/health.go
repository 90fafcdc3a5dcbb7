package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Connectivity reports whether the remote API is reachable.
type Connectivity interface {
	IsOnline() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	cache  Cache
	online Connectivity
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(cache Cache, online Connectivity) *HealthHandler {
	return &HealthHandler{cache: cache, online: online}
}

// Health returns the health of the local cache and remote reachability.
// Being offline degrades nothing; only the cache is required.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.cache.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.online != nil && h.online.IsOnline() {
		checks["remote"] = "online"
	} else {
		checks["remote"] = "offline"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
