// Package main runs the chat stream reconciliation sidecar for one session.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teamly-hr/chatstream/internal/api"
	"github.com/teamly-hr/chatstream/internal/config"
	"github.com/teamly-hr/chatstream/internal/handler"
	"github.com/teamly-hr/chatstream/internal/middleware"
	"github.com/teamly-hr/chatstream/internal/natsconn"
	"github.com/teamly-hr/chatstream/internal/presence"
	"github.com/teamly-hr/chatstream/internal/reconcile"
	"github.com/teamly-hr/chatstream/internal/service"
	"github.com/teamly-hr/chatstream/internal/store"
	"github.com/teamly-hr/chatstream/internal/subscription"
	"github.com/teamly-hr/chatstream/internal/summary"
	"github.com/teamly-hr/chatstream/pkg/logger"
	"github.com/teamly-hr/chatstream/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if cfg.UserID == "" {
		log.Fatal("CHAT_USER_ID must be set")
	}
	log = log.WithUser(cfg.UserID)
	log.Info("starting chat stream sidecar")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatstream", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Event connection
	conn, err := natsconn.Connect(ctx, natsconn.Config{
		URL:           cfg.NATSURL,
		CAFile:        cfg.NATSCAFile,
		CertFile:      cfg.NATSCertFile,
		KeyFile:       cfg.NATSKeyFile,
		Token:         cfg.NATSToken,
		ReconnectWait: cfg.NATSReconnectWait,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to event bus", zap.Error(err))
	}
	defer conn.Close()

	// Session state
	msgStore := store.New(log)
	idx := summary.New(cfg.UserID)
	tracker := presence.New(cfg.UserID, func(conversationID, sender string, typing bool) {
		log.Debug("typing state changed",
			zap.String("conversation_id", conversationID),
			zap.String("sender", sender),
			zap.Bool("typing", typing))
	})
	defer tracker.Stop()

	engine := reconcile.New(cfg.UserID, msgStore, idx, log)

	registry := subscription.NewRegistry(
		subscription.WrapConn(conn), cfg.UserID, engine, tracker, idx, log)
	defer registry.Close()
	conn.OnReconnect(registry.Reestablish)

	// History backend + session service
	historyClient := api.NewClient(cfg.HistoryBaseURL, cfg.HistoryToken, cfg.HistoryTimeout, log)
	chatSvc := service.NewChatService(cfg.UserID, msgStore, idx, conn, historyClient, registry, log)

	registry.EstablishUserChannels()
	if _, err := chatSvc.LoadMoreConversations(ctx); err != nil {
		log.Warn("initial conversation sync failed", zap.Error(err))
	}

	// Ops HTTP surface
	healthHandler := handler.NewHealthHandler(conn)
	stateHandler := handler.NewStateHandler(msgStore, idx, tracker, registry)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "X-Requested-With"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/conversations", stateHandler.Conversations)
		r.Get("/conversations/{id}/messages", stateHandler.Messages)
		r.Get("/conversations/{id}/pinned", stateHandler.Pinned)
		r.Get("/conversations/{id}/typing", stateHandler.Typing)
		r.Get("/subscriptions", stateHandler.Subscriptions)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("ops server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("stopped")
}
