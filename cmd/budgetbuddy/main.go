package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"budgetbuddy/internal/amqp"
	"budgetbuddy/internal/auth"
	"budgetbuddy/internal/bot"
	"budgetbuddy/internal/cache"
	"budgetbuddy/internal/config"
	"budgetbuddy/internal/core"
	apphttp "budgetbuddy/internal/http"
	"budgetbuddy/internal/log"
	"budgetbuddy/internal/middleware/ratelimit"
	"budgetbuddy/internal/middleware/security"
	"budgetbuddy/internal/middleware/trace"
	"budgetbuddy/internal/storage"
	"budgetbuddy/internal/telegram"
)

const (
	statsCacheSize = 1000
	statsCacheTTL  = time.Minute
	shutdownGrace  = 30 * time.Second
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	logger := log.New(log.Config{
		Level:  log.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: os.Stdout,
	})
	log.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err.Error())
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	repo, err := storage.NewSQLiteRepository(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	verifier := auth.NewVerifier(cfg.BotToken,
		auth.WithMaxAge(cfg.InitDataMaxAge),
		auth.WithRequiredAuthDate(cfg.RequireAuthDate))
	resolver := auth.NewResolver(verifier, auth.ResolverConfig{
		InitDataHeader:  cfg.InitDataHeader,
		UserIDHeader:    cfg.UserIDHeader,
		AllowBareUserID: cfg.AllowBareUserID,
	}, logger)

	store, closeStore := newLimiterStore(ctx, cfg, logger)
	defer closeStore()
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Calls:           cfg.RateLimitCalls,
		Period:          cfg.RateLimitPeriod,
		ExcludePaths:    cfg.RateLimitExclude,
		CleanupInterval: cfg.RateLimitCleanupInterval,
	}, store,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(ratelimit.NewMetrics(registry)))

	detector := security.NewDetector()
	for _, cidr := range cfg.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			return err
		}
	}

	cors := security.DefaultCORSConfig()
	cors.AllowOrigins = cfg.CORSOrigins

	statsCache := cache.NewLRUCache[core.Stats](statsCacheSize, statsCacheTTL)
	cacheManager := cache.NewManager(logger)
	cacheManager.Register(statsCache)
	cacheManager.StartCleanup(statsCacheTTL)
	defer cacheManager.Stop()

	sink, closeSink, err := newUpdateSink(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Options{
		Store:    repo,
		Resolver: resolver,
		Limiter:  limiter,
		Detector: detector,
		CORS:     cors,
		Trace: trace.Config{
			LogRequestBody: cfg.LogRequestBody,
			MaxBodyLog:     cfg.LogRequestBodyMax,
			Metrics:        trace.NewMetrics(registry),
		},
		StatsCache:    statsCache,
		Updates:       sink,
		WebhookSecret: cfg.WebhookSecret,
		Gatherer:      registry,
		Logger:        logger,
	})
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server",
			log.FieldOperation, log.OpStartup,
			"port", cfg.Port,
			"rate_limit_store", cfg.RateLimitStore,
			"bare_user_id", cfg.AllowBareUserID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server", log.FieldOperation, log.OpShutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// The webhook no longer accepts updates, so the sink can drain.
		closeSink(shutdownCtx)
		return err
	})
	return g.Wait()
}

// newLimiterStore picks the rate limit window store. An unreachable Redis is
// logged but not fatal; the store falls back to process memory.
func newLimiterStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (ratelimit.Store, func()) {
	if cfg.RateLimitStore != "redis" {
		return ratelimit.NewMemoryStore(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup, using in-memory fallback until it recovers",
			"addr", cfg.RedisAddr,
			log.FieldError, err.Error())
	}
	return ratelimit.NewRedisStore(client, logger), func() { _ = client.Close() }
}

// newUpdateSink relays webhook updates to the broker when AMQP_URL is set and
// otherwise answers them in-process.
func newUpdateSink(ctx context.Context, cfg *config.Config, logger *log.Logger) (apphttp.UpdateSink, func(context.Context), error) {
	if cfg.AMQPURL != "" {
		client, err := amqp.DialWithRetry(ctx, cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, 5, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Relaying webhook updates through AMQP",
			"exchange", cfg.AMQPExchange,
			"queue", cfg.AMQPQueue)
		return client, func(context.Context) { _ = client.Close() }, nil
	}

	if !cfg.AllowBareUserID {
		logger.Warn("Inline bot enabled without ALLOW_BARE_USER_ID; its API calls will be rejected")
	}
	b := bot.New(
		bot.NewAPIClient(cfg.APIURL, cfg.UserIDHeader, nil),
		telegram.NewClient(cfg.TelegramAPIURL, cfg.BotToken, telegram.WithLogger(logger)),
		bot.Config{AppName: cfg.AppName},
		logger)
	inline := bot.NewInline(b.HandleUpdate, logger)
	logger.Info("Handling webhook updates inline")
	return inline, func(ctx context.Context) {
		if err := inline.Close(ctx); err != nil {
			logger.Warn("Inline updates still running at shutdown", log.FieldError, err.Error())
		}
	}, nil
}
