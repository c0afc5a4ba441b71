package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/streamspace-dev/hub/internal/api"
	"github.com/streamspace-dev/hub/internal/auth"
	"github.com/streamspace-dev/hub/internal/cache"
	"github.com/streamspace-dev/hub/internal/db"
	apperrors "github.com/streamspace-dev/hub/internal/errors"
	"github.com/streamspace-dev/hub/internal/events"
	"github.com/streamspace-dev/hub/internal/hub"
	"github.com/streamspace-dev/hub/internal/hubconfig"
	"github.com/streamspace-dev/hub/internal/logger"
	"github.com/streamspace-dev/hub/internal/middleware"
)

const hubVersion = "1.0.0"

func main() {
	cfg, err := hubconfig.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogFormat == "console")

	database, err := db.NewDatabase(db.Config{
		Host: cfg.DBHost, Port: cfg.DBPort, User: cfg.DBUser,
		Password: cfg.DBPassword, DBName: cfg.DBName, SSLMode: cfg.DBSSLMode,
	})
	if err != nil {
		logger.Hub().Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		logger.Hub().Fatal().Err(err).Msg("failed to run database migrations")
	}

	redisCache, err := cache.NewCache(cache.Config{
		Host: cfg.RedisHost, Port: cfg.RedisPort, Password: cfg.RedisPassword,
		Enabled: cfg.RedisEnabled,
	})
	if err != nil {
		logger.Hub().Warn().Err(err).Msg("cache unavailable, continuing with caching disabled")
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	publisher, err := events.NewPublisher(events.Config{URL: cfg.NATSURL})
	if err != nil {
		logger.Hub().Fatal().Err(err).Msg("failed to initialize event publisher")
	}
	defer publisher.Close()

	agentRepo := db.NewAgentRepo(database)
	commandRepo := db.NewCommandRepo(database)
	auditRepo := db.NewAuditRepo(database)

	agentAuth := auth.NewAgentAuthenticator(agentRepo, cfg.AgentBootstrapKey)
	jwtManager := auth.NewJWTManagerWithSessions(&auth.JWTConfig{
		SecretKey: cfg.JWTSecretKey, Issuer: cfg.JWTIssuer,
	}, redisCache)
	dashboardVerifier := auth.NewDashboardTokenVerifier(jwtManager)

	h := hub.New(hub.Deps{
		AgentAuth:         agentAuth,
		DashboardVerifier: dashboardVerifier,
		Agents:            agentRepo,
		Commands:          commandRepo,
		Audit:             auditRepo,
		Publisher:         publisher,
		Presence:          hub.NewPresenceTracker(redisCache),
		PingInterval:      cfg.PingInterval,
		MaxMissedPings:    cfg.MaxMissedPings,
		FlushInterval:     cfg.FlushInterval,
		OfflineQueueMax:   cfg.OfflineQueueMax,
		OfflineQueueTTL:   cfg.OfflineQueueTTL,
		AuthGrace:         cfg.AuthGrace,
	})
	go h.Run()

	timeoutCfg := middleware.DefaultTimeoutConfig()
	timeoutCfg.ExcludedPaths = []string{"/ws/"}
	auditLogger := middleware.NewAuditLogger(auditRepo, false)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		apperrors.Recovery(),
		apperrors.ErrorHandler(),
		middleware.RequestID(),
		middleware.StructuredLoggerWithConfigFunc(middleware.DefaultStructuredLoggerConfig()),
		middleware.SecurityHeadersRelaxed(),
		middleware.DefaultSizeLimiter(),
		middleware.Timeout(timeoutCfg),
		auditLogger.Middleware(),
	)

	healthLimiter := middleware.NewRateLimiter(5, 10)
	healthHandler := api.NewHealthHandler(database, redisCache, hubVersion, h.Running)
	router.GET("/health", healthLimiter.Middleware(), healthHandler.Health)
	router.GET("/api/system/health", healthLimiter.Middleware(), healthHandler.SystemHealth)

	router.GET("/ws/agent", func(c *gin.Context) { h.ServeAgent(c.Writer, c.Request) })
	router.GET("/ws/dashboard", func(c *gin.Context) { h.ServeDashboard(c.Writer, c.Request) })

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		logger.Hub().Info().Str("port", cfg.Port).Msg("hub listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Hub().Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Hub().Info().Str("signal", sig.String()).Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Hub().Warn().Err(err).Msg("http server did not shut down cleanly")
	}
	h.Shutdown(ctx)
	logger.Hub().Info().Msg("hub stopped")
}
