package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quartzid/ssocore/pkg/audit"
	"github.com/quartzid/ssocore/pkg/config"
	"github.com/quartzid/ssocore/pkg/httpapi"
	"github.com/quartzid/ssocore/pkg/observability"
	"github.com/quartzid/ssocore/pkg/session"
	"github.com/quartzid/ssocore/pkg/sso"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	auditor := audit.NewLogger(logger)

	// Configuration store
	if cfg.Storage.PostgresURL == "" {
		logger.Error("SSOCORE_POSTGRES_URL is required")
		os.Exit(1)
	}
	db, err := sql.Open("postgres", cfg.Storage.PostgresURL)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.WithError(err).Error("failed to ping database")
		os.Exit(1)
	}
	configs := sso.NewStorage(db)

	// Session store backend
	var backend session.Store
	switch cfg.Storage.SessionBackend {
	case "redis":
		backend, err = session.NewRedisStore(session.RedisConfig{
			Address:    cfg.Storage.RedisAddress,
			Password:   cfg.Storage.RedisPassword,
			DB:         cfg.Storage.RedisDB,
			PoolSize:   cfg.Storage.RedisPoolSize,
			MaxRetries: cfg.Storage.RedisMaxRetries,
		})
		if err != nil {
			logger.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
	default:
		backend = session.NewMemoryStore()
	}
	defer backend.Close()

	flows := session.NewFlowStore(backend, cfg.SSO.FlowTTL)
	sessions := session.NewSessionStore(backend, cfg.SSO.SessionTTL)

	registry := sso.NewRegistry(sso.Options{
		Logger:           logger,
		HTTPClient:       &http.Client{Timeout: cfg.SSO.HTTPTimeout},
		ReplayWindow:     cfg.SSO.ReplayWindow,
		DiscoveryTimeout: cfg.SSO.DiscoveryTimeout,
	})

	handlers := httpapi.NewHandlers(configs, registry, flows, sessions, auditor, logger)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health/metrics server on a separate port for k8s probes
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", promhttp.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", server.Addr).Info("sso server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("server shutdown failed")
	}
	shutdownCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer healthCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("health server shutdown failed")
	}

	logger.Info("stopped")
}
