package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/watchroom-live/backend/internal/v1/advancer"
	"github.com/watchroom-live/backend/internal/v1/auth"
	"github.com/watchroom-live/backend/internal/v1/bus"
	"github.com/watchroom-live/backend/internal/v1/config"
	"github.com/watchroom-live/backend/internal/v1/health"
	"github.com/watchroom-live/backend/internal/v1/logging"
	"github.com/watchroom-live/backend/internal/v1/middleware"
	"github.com/watchroom-live/backend/internal/v1/ratelimit"
	"github.com/watchroom-live/backend/internal/v1/session"
	"github.com/watchroom-live/backend/internal/v1/store"
	"github.com/watchroom-live/backend/internal/v1/tracing"
	"github.com/watchroom-live/backend/pkg/livekit"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if collectorAddr := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "syncd", collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracer", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
		}
	}

	// --- Redis Bus Initialization ---
	// Every node gets a unique id so it can drop its own bus echoes.
	nodeID := uuid.NewString()
	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword, nodeID)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err, "addr", cfg.RedisAddr)
		os.Exit(1)
	}
	slog.Info("✅ Redis connected", "addr", cfg.RedisAddr, "node_id", nodeID)

	// --- Durable Store ---
	pg, err := store.NewPostgres(context.Background(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Postgres connected")

	st := store.New(store.NewHot(busService.Client()), pg, cfg.AudienceDelaySecondsDefault)

	// --- Rate Limiting ---
	buckets := ratelimit.NewBuckets(busService.Client())
	connLimiter, err := ratelimit.NewConnLimiter(cfg.RateLimitWsIP, busService.Client())
	if err != nil {
		slog.Error("Failed to create connection limiter", "error", err)
		os.Exit(1)
	}

	// --- Scheduled Action Advancer ---
	adv := advancer.New(st)

	// --- Auth ---
	var validator auth.TokenValidator
	if cfg.SkipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		validator = auth.NewValidator(cfg.AuthJWTSecret, cfg.AuthProviderURL)
		slog.Info("✅ Token validator initialized", "provider_url", cfg.AuthProviderURL)
	}

	// --- LiveKit (optional) ---
	var lk *livekit.Client
	if cfg.LiveKitConfigured() {
		lk = livekit.NewClient(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret)
		slog.Info("✅ LiveKit token issuance enabled", "url", cfg.LiveKitURL)
	} else {
		slog.Info("LiveKit not configured, SFU token events disabled")
	}

	// --- Hub ---
	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	hub := session.NewHub(session.Deps{
		Validator:      validator,
		Bus:            busService,
		Store:          st,
		Buckets:        buckets,
		ConnLimiter:    connLimiter,
		Advancer:       adv,
		LiveKit:        lk,
		Config:         cfg,
		AllowedOrigins: allowedOrigins,
	})
	hub.Start()

	// --- Set up Server ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("syncd"))

	// Routing
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/hub", hub.ServeWs)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, pg)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all active rooms and WebSocket connections gracefully
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Stop pending action timers; due work is picked up on restart
	adv.Stop()

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if err := busService.Close(); err != nil {
		slog.Error("Failed to close Redis connection:", "error", err)
	} else {
		slog.Info("Redis connection closed")
	}

	slog.Info("Server exiting")
}
