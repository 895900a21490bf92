package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Mewski/obsidian-live-share/internal/v1/auth"
	"github.com/Mewski/obsidian-live-share/internal/v1/config"
	"github.com/Mewski/obsidian-live-share/internal/v1/control"
	"github.com/Mewski/obsidian-live-share/internal/v1/docsync"
	"github.com/Mewski/obsidian-live-share/internal/v1/gateway"
	"github.com/Mewski/obsidian-live-share/internal/v1/health"
	"github.com/Mewski/obsidian-live-share/internal/v1/logging"
	"github.com/Mewski/obsidian-live-share/internal/v1/middleware"
	"github.com/Mewski/obsidian-live-share/internal/v1/ratelimit"
	"github.com/Mewski/obsidian-live-share/internal/v1/registry"
	"github.com/Mewski/obsidian-live-share/internal/v1/store"
	"github.com/Mewski/obsidian-live-share/internal/v1/tracing"
)

func main() {
	// Load .env for local development; deployments rely on real env vars.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// Logging is not initialized yet.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "relay", cfg.OTLPEndpoint)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			logging.Info(ctx, "Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	// --- Persistence ---
	st, err := store.OpenBolt(cfg.DataDir)
	if err != nil {
		logging.Fatal(ctx, "Failed to open store", zap.String("dataDir", cfg.DataDir), zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	// --- Room registry ---
	reg, err := registry.New(st)
	if err != nil {
		logging.Fatal(ctx, "Failed to load room registry", zap.Error(err))
	}

	// --- Identity ---
	// The verifier exists whenever a secret is configured so issued tokens
	// stay verifiable; the gate itself is a separate switch.
	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier, err = auth.NewVerifier(cfg.JWTSecret)
		if err != nil {
			logging.Fatal(ctx, "Failed to create identity verifier", zap.Error(err))
		}
	}
	if cfg.RequireGitHubAuth {
		logging.Info(ctx, "GitHub identity gate enabled")
	}

	// --- Engines ---
	syncHub := docsync.NewHub(st)
	controlHub := control.NewHub()

	// Avoid handing the gateway a typed nil when no secret is configured.
	var tokenVerifier auth.TokenVerifier
	if verifier != nil {
		tokenVerifier = verifier
	}
	gw := gateway.New(reg, tokenVerifier, syncHub, controlHub, cfg.RequireGitHubAuth, cfg.CORSOrigin)

	// --- Rate limiting ---
	limiter, err := ratelimit.New(cfg.RateLimitRooms)
	if err != nil {
		logging.Fatal(ctx, "Invalid rate limit configuration", zap.Error(err))
	}

	// --- Router ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("relay"))

	corsConfig := cors.DefaultConfig()
	if cfg.CORSOrigin == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{cfg.CORSOrigin}
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	roomsGroup := router.Group("/rooms", limiter.RoomsMiddleware())
	reg.RegisterRoutes(roomsGroup)

	gw.RegisterRoutes(router)

	if cfg.GitHubClientID != "" && verifier != nil {
		gh := auth.NewGitHubHandler(cfg.GitHubClientID, cfg.GitHubClientSecret, verifier)
		router.GET("/auth/github", gh.Login)
		router.GET("/auth/github/callback", gh.Callback)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	health.NewHandler(reg, syncHub, controlHub).RegisterRoutes(router)

	// --- Server ---
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Relay server starting",
			zap.String("port", cfg.Port), zap.Bool("tls", cfg.TLSEnabled()))

		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close sockets and flush documents before the HTTP listener goes away
	// so clients observe clean close frames.
	controlHub.Shutdown()
	syncHub.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}
