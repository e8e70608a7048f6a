package handlers

import (
	"context"
	"net/http"
	"time"

	"relief-inventory-api/internal/models"

	"go.uber.org/zap"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	store   Pinger
	timeout time.Duration
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store Pinger) *HealthHandler {
	return &HealthHandler{store: store, timeout: 2 * time.Second}
}

// Health handles GET /health. It answers 503 when the store cannot be reached.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := models.HealthResponse{
		Status:    "healthy",
		Storage:   "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.store.Ping(ctx); err != nil {
		zap.L().Warn("Health check: storage unreachable", zap.Error(err))
		resp.Status = "degraded"
		resp.Storage = "unreachable"
		writeJSONResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSONResponse(w, http.StatusOK, resp)
}
