package rest

import (
	"net/http"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/rest/handler"
	"github.com/ethoslink/rolesync/internal/rest/middleware/auth"
	"github.com/ethoslink/rolesync/internal/rest/middleware/ip"
	"github.com/ethoslink/rolesync/internal/rest/middleware/ratelimit"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/klauspost/compress/gzhttp"
	"github.com/uptrace/bunrouter"
	"go.uber.org/zap"
)

// Dependencies are the services the HTTP surface triggers and reports on.
type Dependencies struct {
	Jobs       handler.Jobs
	Syncer     handler.Syncer
	Cache      handler.CacheStats
	RateLimits handler.RateLimits
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Now     func() time.Time
}

// Server implements the HTTP trigger surface.
type Server struct {
	handler     http.Handler
	rateLimiter *ratelimit.Middleware
	auth        *auth.Middleware
}

// NewServer creates the HTTP trigger server.
func NewServer(deps Dependencies, cfg *config.API, defaultGuild snowflake.ID, logger *zap.Logger) *Server {
	logger = logger.Named("rest")

	syncHandler := handler.NewSyncHandler(deps.Jobs, deps.Syncer, defaultGuild, logger)
	validatorHandler := handler.NewValidatorHandler(deps.Jobs, defaultGuild, logger)
	systemHandler := handler.NewSystemHandler(deps.Cache, deps.RateLimits, deps.Now, logger)

	// Create middleware instances
	ipMiddleware := ip.New(cfg.TrustProxy)
	rateLimiter := ratelimit.New(cfg.RequestsPerSecond, cfg.BurstSize, logger)
	authMiddleware := auth.New(cfg.AuthToken, logger)

	// Create base router
	router := bunrouter.New(
		bunrouter.WithNotFoundHandler(func(w http.ResponseWriter, _ bunrouter.Request) error {
			http.Error(w, "not found", http.StatusNotFound)
			return nil
		}),
	)

	// Health is never authenticated
	router.GET("/health", systemHandler.Health)

	group := router.Use(
		ipMiddleware.AsRESTMiddleware,
		rateLimiter.AsRESTMiddleware,
		authMiddleware.AsRESTMiddleware,
	)

	group.POST("/trigger-sync", syncHandler.TriggerSync)
	group.POST("/trigger-batch-sync", syncHandler.TriggerBatchSync)
	group.POST("/stop-sync", syncHandler.StopSync)
	group.GET("/sync-status", syncHandler.SyncStatus)
	group.POST("/force-sync", syncHandler.ForceSync)

	group.POST("/trigger-validator-check", validatorHandler.TriggerValidatorCheck)
	group.POST("/stop-validator-check", validatorHandler.StopValidatorCheck)
	group.GET("/validator-check-status", validatorHandler.ValidatorCheckStatus)

	group.GET("/cache-stats", systemHandler.CacheStats)
	group.GET("/rate-limit-status", systemHandler.RateLimitStatus)
	group.POST("/reset-rate-limits", systemHandler.ResetRateLimits)

	if deps.Metrics != nil {
		group.GET("/metrics", bunrouter.HTTPHandler(deps.Metrics))
	}

	return &Server{
		handler:     gzhttp.GzipHandler(router),
		rateLimiter: rateLimiter,
		auth:        authMiddleware,
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// AuthEnabled reports whether trigger endpoints require a bearer token.
func (s *Server) AuthEnabled() bool {
	return s.auth.Enabled()
}

// Close releases background resources of the middleware.
func (s *Server) Close() {
	s.rateLimiter.Close()
}
