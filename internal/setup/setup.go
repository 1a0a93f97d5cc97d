package setup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/database"
	"github.com/ethoslink/rolesync/internal/discord/api"
	"github.com/ethoslink/rolesync/internal/discord/guild"
	"github.com/ethoslink/rolesync/internal/ethos"
	"github.com/ethoslink/rolesync/internal/jobs"
	"github.com/ethoslink/rolesync/internal/metrics"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/ethoslink/rolesync/internal/redis"
	"github.com/ethoslink/rolesync/internal/roles"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/ethoslink/rolesync/internal/setup/telemetry"
	"github.com/ethoslink/rolesync/internal/synccache"
	"github.com/ethoslink/rolesync/pkg/utils"
	"go.uber.org/zap"
)

// App bundles all core dependencies and services needed by the application.
// Each field represents a major subsystem that needs initialization and cleanup.
type App struct {
	Config       *config.Config      // Application configuration
	Logger       *zap.Logger         // Main application logger
	DBLogger     *zap.Logger         // Database-specific logger
	DB           database.Client     // Role-change ledger, nil when disabled
	RedisManager *redis.Manager      // Redis connection manager
	SyncCache    *synccache.Cache    // Per-user sync records
	Discord      *api.Client         // Rate-limited Discord REST client
	Guild        *guild.Service      // Member and role operations
	Ethos        *ethos.Client       // Profile directory client
	Engine       *reconcile.Engine   // Role reconciliation engine
	Jobs         *jobs.Manager       // Background job registry
	Orchestrator *jobs.Orchestrator  // Guild pass launcher
	Metrics      *metrics.Metrics    // Prometheus metrics
	Clock        utils.Clock         // Time source shared by all components
	LogManager   *telemetry.Manager  // Log management system
	GuildID      snowflake.ID        // Default guild for passes
	pprofServer  *pprofServer        // Debug HTTP server for pprof
	cancel       context.CancelFunc  // Cancels the job context
}

// pprofServer is the optional debug listener.
type pprofServer struct {
	srv      *http.Server
	listener net.Listener
}

// InitializeApp bootstraps all application dependencies in the correct order,
// ensuring each component has its required dependencies available.
func InitializeApp(ctx context.Context, serviceType telemetry.ServiceType, logDir string) (*App, error) {
	// Load app configuration
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	return InitializeWithConfig(ctx, cfg, serviceType, logDir)
}

// InitializeWithConfig bootstraps the application from an already loaded configuration.
func InitializeWithConfig(
	ctx context.Context, cfg *config.Config, serviceType telemetry.ServiceType, logDir string,
) (*App, error) {
	// Logging system is initialized first to capture setup issues
	logManager := telemetry.NewManager(serviceType, logDir, &cfg.Debug)

	logger, dbLogger, err := logManager.GetLoggers()
	if err != nil {
		return nil, err
	}

	clock := utils.RealClock()

	// Redis manager provides connection pools for the sync cache
	redisManager := redis.NewManager(&cfg.Redis, logger)

	syncCache, err := openSyncCache(cfg, redisManager, clock, logger)
	if err != nil {
		redisManager.Close()
		return nil, err
	}

	// Role-change ledger is optional
	var (
		db     database.Client
		ledger reconcile.Ledger = reconcile.NopLedger{}
	)

	if cfg.PostgreSQL.Enabled {
		db, err = database.NewConnection(ctx, &cfg.PostgreSQL, dbLogger.Named("database"), true)
		if err != nil {
			_ = syncCache.Close()
			redisManager.Close()

			return nil, err
		}

		ledger = db.Ledger()
	}

	// Discord REST client shares one rate limit state across all callers
	discordClient := api.NewClient(&cfg.Discord, api.NewState(), logger, api.WithClock(clock))
	guildService := guild.NewService(discordClient, logger)
	ethosClient := ethos.NewClient(&cfg.Ethos, logger)

	// Job context outlives the caller's context so shutdown can drain jobs
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	jobManager := jobs.NewManager(jobCtx, clock, logger)
	appMetrics := metrics.New(jobManager, discordClient)

	memberDelay, roleDelay, batchDelay := cfg.Sync.Delays()
	engine := reconcile.New(reconcile.Params{
		Guild:                guildService,
		Directory:            ethosClient,
		Cache:                syncCache,
		Policy:               roles.NewPolicy(&cfg.Roles),
		Clock:                clock,
		Ledger:               ledger,
		Recorder:             appMetrics,
		Logger:               logger,
		MemberDelay:          memberDelay,
		RoleDelay:            roleDelay,
		BatchDelay:           batchDelay,
		BatchSize:            cfg.Ethos.BatchSize,
		ValidatorConcurrency: cfg.Ethos.ValidatorConcurrency,
	})

	orchestrator := jobs.NewOrchestrator(jobManager, engine, jobs.ChunkPlan{
		ChunkSize:    cfg.Sync.ChunkSize,
		MaxDuration:  cfg.Sync.ChunkBudget(),
		AutoContinue: cfg.Sync.AutoContinue,
	}, logger)

	// Start pprof server if enabled
	var pprofSrv *pprofServer

	if cfg.Debug.EnablePprof {
		srv, err := startPprofServer(cfg.Debug.PprofPort, logger)
		if err != nil {
			logger.Error("Failed to start pprof server", zap.Error(err))
		} else {
			pprofSrv = srv

			logger.Warn("pprof debugging endpoint enabled - this should not be used in production!")
		}
	}

	logger.Info("Application initialized",
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("ledger", db != nil),
		zap.Bool("aggressive", cfg.Sync.IsAggressive()))

	// Bundle all initialized components
	return &App{
		Config:       cfg,
		Logger:       logger,
		DBLogger:     dbLogger.Named("database"),
		DB:           db,
		RedisManager: redisManager,
		SyncCache:    syncCache,
		Discord:      discordClient,
		Guild:        guildService,
		Ethos:        ethosClient,
		Engine:       engine,
		Jobs:         jobManager,
		Orchestrator: orchestrator,
		Metrics:      appMetrics,
		Clock:        clock,
		LogManager:   logManager,
		GuildID:      snowflake.ID(cfg.Discord.GuildID),
		pprofServer:  pprofSrv,
		cancel:       cancel,
	}, nil
}

// openSyncCache selects the configured sync cache backend.
func openSyncCache(
	cfg *config.Config, redisManager *redis.Manager, clock utils.Clock, logger *zap.Logger,
) (*synccache.Cache, error) {
	var store synccache.Store

	switch cfg.Cache.Backend {
	case config.CacheBackendSQLite:
		sqliteStore, err := synccache.OpenSQLiteStore(cfg.Cache.SQLitePath, clock)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite sync cache: %w", err)
		}

		store = sqliteStore
	default:
		client, err := redisManager.GetClient(redis.SyncCacheDBIndex)
		if err != nil {
			return nil, err
		}

		store = synccache.NewRedisStore(client)
	}

	return synccache.New(store, cfg.Sync.FreshnessWindow(), clock, logger), nil
}

// startPprofServer serves the pprof handlers on localhost.
func startPprofServer(port int, logger *zap.Logger) (*pprofServer, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen for pprof: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof server stopped", zap.Error(err))
		}
	}()

	return &pprofServer{srv: srv, listener: listener}, nil
}

// Cleanup ensures graceful shutdown of all components in reverse initialization order.
// Logs but does not fail on cleanup errors to ensure all components get cleanup attempts.
func (s *App) Cleanup(ctx context.Context) {
	// Stop running jobs before closing their dependencies
	if err := s.Jobs.Shutdown(ctx); err != nil {
		s.Logger.Warn("Jobs did not stop before shutdown deadline", zap.Error(err))
	}

	s.cancel()

	// Shutdown pprof server if running
	if s.pprofServer != nil {
		if err := s.pprofServer.srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to shutdown pprof server", zap.Error(err))
		}

		s.pprofServer.listener.Close()
	}

	// Close database connections
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Printf("Failed to close database connection: %v", err)
		}
	}

	if err := s.SyncCache.Close(); err != nil {
		log.Printf("Failed to close sync cache: %v", err)
	}

	// Sync buffered logs before shutdown
	if err := s.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	if err := s.DBLogger.Sync(); err != nil {
		log.Printf("Failed to sync DB logger: %v", err)
	}

	// Close Redis connections last as other components might need it during cleanup
	s.RedisManager.Close()
}
