package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/brewpoint/loyalty-engine/internal/cart"
	"github.com/brewpoint/loyalty-engine/internal/config"
	"github.com/brewpoint/loyalty-engine/internal/events"
	"github.com/brewpoint/loyalty-engine/internal/lock"
	"github.com/brewpoint/loyalty-engine/internal/loyalty"
	"github.com/brewpoint/loyalty-engine/internal/obs"
	"github.com/brewpoint/loyalty-engine/internal/payment"
	"github.com/brewpoint/loyalty-engine/internal/queue"
	"github.com/brewpoint/loyalty-engine/internal/resilience"
	"github.com/brewpoint/loyalty-engine/internal/settlement"
	"github.com/brewpoint/loyalty-engine/internal/store"
	"github.com/brewpoint/loyalty-engine/internal/voucher"
	"github.com/brewpoint/loyalty-engine/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "loyalty"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()
	queries := store.New(pool)

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	provider := payment.HostedPay{
		MerchantID: cfg.GatewayMerchantID,
		Secret:     cfg.GatewaySecret,
		BaseURL:    cfg.GatewayBaseURL,
		Client:     &http.Client{Timeout: cfg.GatewayTimeout},
		Timeout:    cfg.GatewayTimeout,
		Breaker:    resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("hostedpay"),
	}

	taskQueue := queue.Enqueuer{
		R:           redisClient,
		Prefix:      cfg.QueuePrefix,
		DedupTTL:    24 * time.Hour,
		MaxAttempts: cfg.QueueMaxAttempts,
	}
	bus := &events.Bus{
		Store: queries,
		Notifiers: []events.Notifier{
			events.QueueNotifier{Q: taskQueue, MaxAttempts: cfg.QueueMaxAttempts},
		},
	}

	reconciler := &settlement.Reconciler{
		Q:       queries,
		Voucher: &voucher.Service{Q: queries},
		Loyalty: &loyalty.Service{Q: queries},
		Wallet:  &wallet.Service{Q: queries},
		Carts:   &cart.Service{Q: queries},
		Locks:   lock.Locker{R: redisClient},
		Bus:     bus,
		Log:     logger,
		LockTTL: cfg.SettlementLockTTL,
	}

	sender := events.WebhookSender{
		Endpoints: cfg.WebhookEndpoints,
		Secret:    cfg.WebhookSecret,
		Client: resilience.HTTPClient{
			Client:      &http.Client{},
			Breaker:     resilience.NewBreaker(10, 0.5, time.Minute).WithTarget("webhook-delivery"),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: 3,
			Jitter:      0.2,
			Timeout:     10 * time.Second,
		},
	}
	webhookWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueuePrefix,
		Kind:              queue.KindEventWebhook,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		Handler:           sender.HandleTask,
		RetryBase:         time.Second,
		RetryJitter:       0.2,
		Log:               logger,
	}

	go runSweepScheduler(ctx, cfg, provider, reconciler, logger)

	logger.Info().Msg("worker starting")
	if err := webhookWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

// runSweepScheduler periodically resolves transactions stuck in PROCESSING by
// asking the gateway for their authoritative state. Scheduling goes through
// asynq so only one instance runs the sweep even with several workers.
func runSweepScheduler(ctx context.Context, cfg *config.Config, prober settlement.StatusProber, reconciler *settlement.Reconciler, logger zerolog.Logger) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Error().Err(err).Msg("parse redis uri for scheduler")
		return
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{Concurrency: 1})
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.KindReconcileSweep, func(taskCtx context.Context, _ *asynq.Task) error {
		settled, err := reconciler.Sweep(taskCtx, prober, cfg.SweepCutoff, int32(cfg.SweepBatchSize))
		if err != nil {
			logger.Error().Err(err).Msg("reconcile sweep failed")
			return err
		}
		if settled > 0 {
			logger.Info().Int("settled", settled).Msg("reconcile sweep resolved transactions")
		}
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	interval := cfg.SweepInterval
	if interval < time.Minute {
		interval = time.Minute
	}
	if _, err := scheduler.Register("@every "+interval.String(), asynq.NewTask(queue.KindReconcileSweep, nil)); err != nil {
		logger.Error().Err(err).Msg("register sweep schedule")
		return
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Error().Err(err).Msg("sweep scheduler stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		scheduler.Shutdown()
		srv.Shutdown()
	}()

	if err := srv.Run(mux); err != nil {
		logger.Error().Err(err).Msg("sweep server stopped")
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "loyalty-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
