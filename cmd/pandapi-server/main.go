package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pandapi-streams/internal/config"
	"pandapi-streams/internal/handler"
	"pandapi-streams/internal/middleware"
	"pandapi-streams/internal/observability"
	"pandapi-streams/internal/registry"
	"pandapi-streams/internal/service"
	"pandapi-streams/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting pandapi stream server",
		slog.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connCtx, connCancel := context.WithTimeout(ctx, 90*time.Second)
	backends, err := config.OpenBackends(connCtx, cfg)
	connCancel()
	if err != nil {
		slog.Error("failed to open backends", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer backends.Close()

	if backends.DB != nil {
		go config.ReportDBStats(ctx, backends.DB, 15*time.Second)
	}

	reg := registry.New(backends.Store, backends.Transport,
		registry.WithPrefix(cfg.KeyPrefix),
		registry.WithSyncInterval(cfg.SyncInterval),
		registry.WithMaxAge(cfg.StreamMaxAge),
		registry.WithChatHistoryLimit(cfg.ChatHistoryLimit),
	)
	registryDone := make(chan struct{})
	go func() {
		defer close(registryDone)
		if err := reg.Run(ctx); err != nil {
			slog.Error("registry stopped with error", slog.String("error", err.Error()))
		}
	}()

	streams := service.NewStreamingService(reg)

	hub := websocket.NewHub()
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("hub error", slog.String("error", err.Error()))
		}
	}()
	stopBridge := websocket.Bridge(streams, hub)
	defer stopBridge()
	slog.Info("websocket hub started")

	origins := middleware.ParseOrigins(cfg.AllowedOrigins)
	streamHandler := handler.NewStreamHandler(streams)
	wsHandler := handler.NewWebSocketHandler(ctx, hub, streams, streams, origins)

	validation := middleware.DefaultOpenAPIValidatorConfig()
	validation.Enabled = cfg.OpenAPIValidation
	validation.SpecPath = cfg.OpenAPISpecPath

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogging(chimiddleware.GetReqID))
	r.Use(middleware.CORS(origins))
	r.Use(middleware.Metrics())
	r.Use(middleware.Identity)
	r.Use(middleware.OpenAPIValidator(validation))

	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Ready(backends.Store, backends.Transport))
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Not found"}`, http.StatusNotFound)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.NewRateLimiter(ctx, 20, 50).Middleware())
		streamHandler.Routes(r)
	})

	r.Get("/ws/streams", wsHandler.HandleConnection)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("stream server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	waitForShutdown(reg)

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()
	<-registryDone

	slog.Info("server stopped gracefully")
}

// waitForShutdown blocks until SIGINT or SIGTERM. SIGHUP forces an
// immediate reconciliation instead.
func waitForShutdown(reg *registry.Registry) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			slog.Info("refresh requested")
			reg.Refresh()
			continue
		}
		return
	}
}
