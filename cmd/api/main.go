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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"

	"github.com/brewpoint/loyalty-engine/internal/app"
	"github.com/brewpoint/loyalty-engine/internal/cart"
	"github.com/brewpoint/loyalty-engine/internal/checkout"
	"github.com/brewpoint/loyalty-engine/internal/common"
	"github.com/brewpoint/loyalty-engine/internal/config"
	"github.com/brewpoint/loyalty-engine/internal/events"
	"github.com/brewpoint/loyalty-engine/internal/health"
	httpmw "github.com/brewpoint/loyalty-engine/internal/http/middleware"
	"github.com/brewpoint/loyalty-engine/internal/lock"
	"github.com/brewpoint/loyalty-engine/internal/loyalty"
	"github.com/brewpoint/loyalty-engine/internal/obs"
	"github.com/brewpoint/loyalty-engine/internal/payment"
	"github.com/brewpoint/loyalty-engine/internal/queue"
	"github.com/brewpoint/loyalty-engine/internal/ratelimit"
	"github.com/brewpoint/loyalty-engine/internal/resilience"
	"github.com/brewpoint/loyalty-engine/internal/security"
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
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "loyalty")
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	httpMetrics := obs.NewHTTPMetrics(metricsNamespace, obs.ParseBucketsCSV(os.Getenv("OBS_HTTP_BUCKETS")), nil)

	if envBool("OBS_ENABLE_TRACING", true) {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "loyalty-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: 1.0,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if strings.TrimSpace(cfg.MigrationsURL) != "" {
		m, err := migrate.New(cfg.MigrationsURL, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("open migrations")
		}
		if err := app.RunMigrations(m); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "loyalty-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	queries := store.New(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	validate := validator.New()

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

	carts := &cart.Service{Q: queries}
	vouchers := &voucher.Service{Q: queries}
	wallets := &wallet.Service{Q: queries}
	ledger := &loyalty.Service{Q: queries}

	reconciler := &settlement.Reconciler{
		Q:       queries,
		Voucher: vouchers,
		Loyalty: ledger,
		Wallet:  wallets,
		Carts:   carts,
		Locks:   lock.Locker{R: redisClient},
		Bus:     bus,
		Log:     logger,
		LockTTL: cfg.SettlementLockTTL,
	}

	paymentSvc := &payment.Service{
		Q:           queries,
		Provider:    provider,
		IntentTTL:   cfg.IntentTTL,
		CallbackURL: cfg.GatewayCallbackURL,
	}
	paymentHandler := &payment.Handler{Svc: paymentSvc}
	callback := payment.Callback{Provider: provider, Settler: reconciler, Log: logger}

	checkoutSvc := &checkout.Service{
		Q:        queries,
		Pool:     pool,
		Carts:    carts,
		Vouchers: vouchers,
		Payments: paymentSvc,
		Settle:   reconciler,
		Events:   bus,
		Log:      logger,
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc, Validate: validate}

	healthHandler := health.Handler{Checker: pingChecker{pool: pool, redis: redisClient}}
	identity := httpmw.Identity{Secret: cfg.IdentitySecret}
	limiter := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "rl:"},
		Config: ratelimit.Config{
			Key:    func(r *http.Request) string { return common.ClientIP(r) },
			Window: cfg.RateLimitWindow,
			Max:    cfg.RateLimitMax,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	r.Use(obs.TracingMiddleware)
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true}.Middleware)
	r.Use(security.BodyLimit{Max: 1 << 20}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-User-Id", "X-User-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)

		// Gateway-facing; authenticated by HMAC signature, not identity headers.
		r.Get("/payments/callback", callback.Handle)

		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware)
			r.Use(httpmw.RequireUser)

			r.With(common.Idem{R: redisClient, TTL: cfg.IntentTTL}.Middleware).
				Post("/checkout", checkoutHandler.Checkout)
			r.Get("/payments/{orderRef}/status", paymentHandler.Status)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		serverErr <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server stopped")
		}
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}
}

type pingChecker struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

func (c pingChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.pool.Ping(ctx)
}

func (c pingChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
