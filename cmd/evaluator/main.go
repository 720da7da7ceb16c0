package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rmaia/crm-bridge/internal/broker"
	"github.com/rmaia/crm-bridge/internal/config"
	"github.com/rmaia/crm-bridge/internal/db"
	"github.com/rmaia/crm-bridge/internal/engine"
	"github.com/rmaia/crm-bridge/internal/idempotency"
	"github.com/rmaia/crm-bridge/internal/queue"
	"github.com/rmaia/crm-bridge/internal/rules"
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

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("FATAL: Invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Error("FATAL: No response from Redis", "error", err)
		os.Exit(1)
	}
	cancel()

	guard := idempotency.NewGuard(rdb, cfg.InboundDedupTTL)
	client := transport.NewHTTPClient(cfg.PlatformBaseURL, cfg.PlatformAPIKey, cfg.CRMBaseURL, cfg.CRMAPIKey, cfg.DeliveryTimeout)

	ruleStore := rules.NewStore(repo, cfg.RuleCacheTTL, logger)
	controller := queue.NewController(
		repo,
		queue.ExponentialBackoff{Base: cfg.RetryBase, Max: cfg.RetryMax},
		cfg.MaxDeliveryAttempts,
		logger,
	)
	eng := engine.New(ruleStore, controller, guard, client, logger)

	go startObservabilityServer(cfg.MetricsPort, logger)
	metrics.HealthStatus.Set(1)

	logger.Info("🚀 Sync evaluator started", "pid", os.Getpid(), "rule_cache_ttl", cfg.RuleCacheTTL)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runConsumer(ctx, cfg, broker.ChangeQueue, broker.ChangeRoutingKey, broker.ChangeHandler(eng), logger)
	}()
	go func() {
		defer wg.Done()
		runConsumer(ctx, cfg, broker.InboundQueue, broker.InboundRoutingKey, broker.InboundHandler(eng), logger)
	}()
	wg.Wait()

	logger.Info("✅ Evaluator shut down successfully")
}

// runConsumer keeps one queue consumer alive, reconnecting with backoff when
// the broker link drops
func runConsumer(ctx context.Context, cfg *config.Config, queueName, routingKey string, handler broker.Handler, logger *slog.Logger) {
	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		consumer, err := broker.NewConsumer(cfg.RabbitMQURL, queueName, routingKey, handler, logger)
		if err != nil {
			wait := connBackoff.Next()
			metrics.HealthStatus.Set(0)
			logger.Error("RabbitMQ connection failed, retrying...", "queue", queueName, "wait", wait, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		connBackoff.Reset()
		metrics.HealthStatus.Set(1)

		if err := consumer.Listen(ctx); err != nil {
			logger.Error("⚠️ Consumer connection lost", "queue", queueName, "error", err)
		}
		consumer.Close()
	}
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("EVALUATOR ALIVE"))
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
