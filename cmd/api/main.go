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

	"meetai/internal/audit"
	"meetai/internal/auth"
	"meetai/internal/calls"
	"meetai/internal/config"
	"meetai/internal/events"
	"meetai/internal/httpapi"
	"meetai/internal/metrics"
	"meetai/internal/provider"
	"meetai/pkg/logger"
	"meetai/pkg/utils"

	"github.com/gin-gonic/gin"
)

const (
	maxStreamsPerUser = 8
	streamSlotTTL     = 2 * time.Hour
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, logger.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: 5,
		MaxAgeDays: 14,
	})
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, utils.PostgresConfig{
		DSN:              cfg.PostgresDSN(),
		StatementTimeout: 15 * time.Second,
	})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := calls.Migrate(rootCtx, db); err != nil {
		log.Error("schema migration failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	bridge, err := newBridge(cfg.Provider, log)
	if err != nil {
		log.Error("provider init failed", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	hub := events.NewHub(log)
	broker := events.NewRedisBroker(rdb, hub, log)
	go func() {
		if err := broker.Run(rootCtx); err != nil {
			log.Error("event relay stopped", "err", err)
			stop()
		}
	}()

	svc := calls.NewService(calls.Deps{
		Store:   calls.NewPostgresStore(db),
		Bridge:  bridge,
		Events:  broker,
		Audit:   audit.NewService(audit.NewPostgresRepo(db)),
		Metrics: m,
		Logger:  log,
	}, calls.Options{
		TokenTTL:      cfg.Calls.TokenTTL,
		RevealMissing: cfg.Calls.RevealMissing,
	})

	limits, err := httpapi.NewLimiterStore(rdb)
	if err != nil {
		log.Error("rate limiter init failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/metrics"))

	err = registerRoutes(r, routeDeps{
		Auth:     authManager,
		Handlers: httpapi.Handlers{Calls: svc},
		Stream: events.StreamHandler{
			Hub:      hub,
			Slots:    events.RedisSlots{RDB: rdb, Limit: maxStreamsPerUser, TTL: streamSlotTTL},
			Observer: m,
		},
		Webhook: provider.WebhookHandler{
			Secret:         cfg.Provider.APISecret,
			AllowUnsigned:  !cfg.IsProduction(),
			OnSessionEnded: svc.HandleSessionEnded,
		},
		Metrics:    m,
		Limits:     limits,
		CreateRate: cfg.RateLimit.Create,
		TokenRate:  cfg.RateLimit.Tokens,
	})
	if err != nil {
		log.Error("route setup failed", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: event streams are long-lived. Handlers bound their own work.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", bridge.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Hijacked websocket conns are not tracked by Shutdown; closing the hub ends them with a going-away frame.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

func newBridge(cfg config.ProviderConfig, log *slog.Logger) (provider.Bridge, error) {
	switch cfg.Driver {
	case config.ProviderDriverStream:
		return provider.NewStreamBridge(provider.StreamConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			CallType:  cfg.CallType,
			Timeout:   cfg.Timeout,
		}, log)
	default:
		log.Warn("using in-memory video provider; sessions are not real")
		return provider.NewMemoryBridge(), nil
	}
}
