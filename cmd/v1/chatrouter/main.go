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
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatrouter/engine/internal/v1/assign"
	"github.com/chatrouter/engine/internal/v1/auth"
	"github.com/chatrouter/engine/internal/v1/bus"
	"github.com/chatrouter/engine/internal/v1/config"
	"github.com/chatrouter/engine/internal/v1/health"
	"github.com/chatrouter/engine/internal/v1/logging"
	"github.com/chatrouter/engine/internal/v1/middleware"
	"github.com/chatrouter/engine/internal/v1/notify"
	"github.com/chatrouter/engine/internal/v1/queue"
	"github.com/chatrouter/engine/internal/v1/ratelimit"
	"github.com/chatrouter/engine/internal/v1/reassign"
	"github.com/chatrouter/engine/internal/v1/room"
	"github.com/chatrouter/engine/internal/v1/session"
	"github.com/chatrouter/engine/internal/v1/store"
	"github.com/chatrouter/engine/internal/v1/tracing"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid environment configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tp, err := tracing.InitTracer(ctx, "chatrouter-engine", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		if err != nil {
			slog.Error("failed to initialize tracer", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	db, err := store.New(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		slog.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer busService.Close()

	var validator session.TokenValidator
	if cfg.SkipAuth {
		slog.Warn("authentication disabled (SKIP_AUTH=true) - do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("failed to initialize auth validator", "error", err)
			os.Exit(1)
		}
		validator = v
	}

	assigner := assign.New(db)
	queueIdx := queue.New(busService, db)
	notifier := notify.New(db, busService, busService, time.Duration(cfg.NotificationSuppressionMinutes)*time.Minute)
	roomMgr := room.New(db, busService, assigner, queueIdx, busService, notifier)

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	hub := session.NewHub(validator, rateLimiter, busService, roomMgr, queueIdx, assigner, notifier, db)

	reassignTimer := reassign.New(db, db, assigner, roomMgr, busService, notifier, cfg.ReassignmentInterval)
	reassignTimer.Start(ctx)
	defer reassignTimer.Stop()

	healthHandler := health.NewHandler(busService, db)

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	router.Use(rateLimiter.GlobalMiddleware())

	router.GET("/ws/chat", func(c *gin.Context) {
		if !rateLimiter.CheckWebSocket(c) {
			return
		}
		hub.ServeWs(c)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("chat routing engine starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server exited")
}
