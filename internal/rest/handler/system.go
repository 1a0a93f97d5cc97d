package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/ethoslink/rolesync/internal/discord/api"
	"github.com/ethoslink/rolesync/internal/rest/types"
	"github.com/ethoslink/rolesync/internal/synccache"
	"github.com/uptrace/bunrouter"
	"go.uber.org/zap"
)

// CacheStats reports sync cache contents.
type CacheStats interface {
	Stats(ctx context.Context) (*synccache.Stats, error)
}

// RateLimits exposes the shared Discord rate limit state.
type RateLimits interface {
	Status() api.Snapshot
	Reset()
}

// SystemHandler handles health, cache and rate limit endpoints.
type SystemHandler struct {
	cache      CacheStats
	rateLimits RateLimits
	now        func() time.Time
	logger     *zap.Logger
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(cache CacheStats, rateLimits RateLimits, now func() time.Time, logger *zap.Logger) *SystemHandler {
	if now == nil {
		now = time.Now
	}

	return &SystemHandler{
		cache:      cache,
		rateLimits: rateLimits,
		now:        now,
		logger:     logger,
	}
}

// Health reports liveness.
func (h *SystemHandler) Health(w http.ResponseWriter, _ bunrouter.Request) error {
	return respond(w, http.StatusOK, types.HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
	})
}

// CacheStats reports sync cache statistics.
func (h *SystemHandler) CacheStats(w http.ResponseWriter, req bunrouter.Request) error {
	stats, err := h.cache.Stats(req.Context())
	if err != nil {
		h.logger.Error("Failed to read cache stats", zap.Error(err))
		return respondError(w, http.StatusInternalServerError, "failed to read cache stats")
	}

	return respond(w, http.StatusOK, types.CacheStatsResponse{Success: true, Stats: stats})
}

// RateLimitStatus reports the Discord rate limit state.
func (h *SystemHandler) RateLimitStatus(w http.ResponseWriter, _ bunrouter.Request) error {
	return respond(w, http.StatusOK, types.RateLimitResponse{Success: true, State: h.rateLimits.Status()})
}

// ResetRateLimits clears the Discord rate limit state.
func (h *SystemHandler) ResetRateLimits(w http.ResponseWriter, _ bunrouter.Request) error {
	h.rateLimits.Reset()
	h.logger.Warn("Rate limit state reset by operator")

	return respond(w, http.StatusOK, types.RateLimitResponse{Success: true, State: h.rateLimits.Status()})
}
