package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmaia/crm-bridge/internal/config"
	"github.com/rmaia/crm-bridge/internal/db"
	"github.com/rmaia/crm-bridge/internal/dispatch"
	"github.com/rmaia/crm-bridge/internal/queue"
	"github.com/rmaia/crm-bridge/internal/transport"
	"github.com/rmaia/crm-bridge/pkg/infra"
	"github.com/rmaia/crm-bridge/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("FATAL: Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	client := transport.NewHTTPClient(cfg.PlatformBaseURL, cfg.PlatformAPIKey, cfg.CRMBaseURL, cfg.CRMAPIKey, cfg.DeliveryTimeout)

	controller := queue.NewController(
		repo,
		queue.ExponentialBackoff{Base: cfg.RetryBase, Max: cfg.RetryMax},
		cfg.MaxDeliveryAttempts,
		logger,
	)

	dispatcher := dispatch.NewDispatcher(
		controller,
		client,
		repo,
		cfg.WorkerCount,
		cfg.PollInterval,
		cfg.DeliveryTimeout,
		cfg.StaleClaimAge,
		logger,
	)

	aggregator := queue.NewAggregator(repo, cfg.MaxDeliveryAttempts, logger)
	go aggregator.Run(ctx, cfg.StatsInterval)

	go startObservabilityServer(cfg.MetricsPort, logger)
	metrics.HealthStatus.Set(1)

	logger.Info("🔥 Sync dispatcher initializing...",
		"workers", cfg.WorkerCount,
		"max_attempts", cfg.MaxDeliveryAttempts,
		"poll_interval", cfg.PollInterval,
	)

	// Blocking call; returns when the shutdown signal cancels the context
	if err := dispatcher.Run(ctx); err != nil {
		logger.Error("Dispatcher stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("✅ Dispatcher shut down successfully")
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("DISPATCHER ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
