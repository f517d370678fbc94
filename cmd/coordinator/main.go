// Command coordinator boots the central service: session store, run queue,
// runner registry, command queues, SSE fan-out, and the long-poll
// dispatcher, wired together by internal/coordinator and exposed over HTTP
// by internal/api. Startup sequencing mirrors cmd/agent-manager's main.go
// in the teacher repository: load config, build the logger, wire
// collaborators, start background loops, serve, wait for signal, shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kanflow/fleet/internal/api"
	"github.com/kanflow/fleet/internal/bus"
	"github.com/kanflow/fleet/internal/common/config"
	"github.com/kanflow/fleet/internal/common/logger"
	"github.com/kanflow/fleet/internal/coordinator"
	"github.com/kanflow/fleet/internal/store"
)

func main() {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting coordinator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		log.Fatal("failed to open session store", zap.Error(err))
	}
	log.Info("opened session store", zap.String("path", cfg.SQLitePath))

	eventBus, err := bus.Start(cfg.NATSURL)
	if err != nil {
		log.Fatal("failed to start event bus", zap.Error(err))
	}
	log.Info("event bus ready")

	co := coordinator.New(cfg, log, st, eventBus)
	co.RecoverStaleOnStartup(ctx)
	co.StartSweeper(ctx)
	log.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval))

	var jwtKeyFunc jwt.Keyfunc
	if cfg.OIDCIssuer != "" {
		jwtKeyFunc = api.JWKSKeyFunc(cfg.OIDCIssuer)
	}
	authFn := api.NewAuthFunc(cfg.AdminAPIKey, cfg.AuthDisabled, jwtKeyFunc, cfg.OIDCAudience)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.CORS(), api.RequestLogger(log), api.ErrorHandler(log), api.RateLimit(200))

	v1 := router.Group("/v1")
	api.SetupRoutes(v1, co, authFn)

	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.PollTimeout + 15*time.Second,
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down coordinator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	co.Shutdown()
	log.Info("coordinator stopped")
}
