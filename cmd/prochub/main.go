// Package main is the entry point for prochub. The single binary runs the
// supervisor, the scheduler and the HTTP/WebSocket control surface.
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
	"go.uber.org/zap"

	"github.com/prochub/prochub/internal/api"
	"github.com/prochub/prochub/internal/common/config"
	"github.com/prochub/prochub/internal/common/httpmw"
	"github.com/prochub/prochub/internal/common/logger"
	"github.com/prochub/prochub/internal/common/tracing"
	"github.com/prochub/prochub/internal/events/bus"
	"github.com/prochub/prochub/internal/supervisor"
	"github.com/prochub/prochub/internal/supervisor/manifest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting prochub", zap.String("data_dir", cfg.Data.Dir))

	if cfg.Telemetry.Enabled {
		tracing.Init(cfg.Telemetry.Endpoint, cfg.Telemetry.SampleRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	store, err := manifest.NewStore(cfg.Data.Dir, log)
	if err != nil {
		log.Fatal("failed to open manifest store", zap.Error(err))
	}

	sup, err := supervisor.New(cfg, store, eventBus, log)
	if err != nil {
		log.Fatal("failed to build supervisor", zap.Error(err))
	}
	if err := sup.Run(ctx); err != nil {
		log.Fatal("failed to start supervisor", zap.Error(err))
	}

	if os.Getenv("PROCHUB_ENV") == "production" || os.Getenv("PROCHUB_ENV") == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "prochub"))
	if cfg.Telemetry.Enabled {
		router.Use(httpmw.OtelTracing("prochub"))
	}

	apiGroup := router.Group("/api/v1")
	apiGroup.Use(api.CallerResolver())
	api.SetupRoutes(apiGroup, sup, log)

	// No WriteTimeout: the log-follow and event streams hold the response
	// open indefinitely.
	server := &http.Server{
		Addr:        cfg.Server.BindAddress,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.BindAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down prochub")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := sup.Close(shutdownCtx); err != nil {
		log.Error("supervisor close error", zap.Error(err))
	}
	if cfg.Telemetry.Enabled {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("tracing shutdown error", zap.Error(err))
		}
	}

	log.Info("prochub stopped")
}
