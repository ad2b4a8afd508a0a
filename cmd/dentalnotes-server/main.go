// Package main is the entrypoint for the dentalnotes API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/api"
	"github.com/MacJediWizard/dentalnotes/internal/api/handlers"
	"github.com/MacJediWizard/dentalnotes/internal/api/middleware"
	"github.com/MacJediWizard/dentalnotes/internal/auth"
	"github.com/MacJediWizard/dentalnotes/internal/billing"
	"github.com/MacJediWizard/dentalnotes/internal/config"
	"github.com/MacJediWizard/dentalnotes/internal/httpclient"
	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/maintenance"
	"github.com/MacJediWizard/dentalnotes/internal/metrics"
	"github.com/MacJediWizard/dentalnotes/internal/notes"
	"github.com/MacJediWizard/dentalnotes/internal/ratelimit"
	"github.com/MacJediWizard/dentalnotes/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		return 1
	}

	cfg := config.LoadServerConfig()
	logger := newLogger(cfg)

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Str("env", string(cfg.Environment)).
		Msg("Starting dentalnotes server")

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// License store
	backend, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open license store")
		return 1
	}
	defer backend.Close()
	logger.Info().Str("backend", backend.Kind).Msg("License store ready")

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promMetrics, err := metrics.NewPrometheusMetrics(registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	// Licensing
	codec, err := auth.NewTokenCodec(auth.TokenConfig{
		Secret:    []byte(cfg.JWTSecret),
		Algorithm: cfg.JWTAlgorithm,
		TTL:       cfg.TokenTTL,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize token codec")
		return 1
	}

	service := license.NewService(backend.Store, license.ServiceConfig{
		Cycle:      cfg.BillingCycle,
		PlanLimits: cfg.PlanLimits,
	}, logger)
	gate := license.NewGate(codec, backend.Store, promMetrics, logger)
	reconciler := license.NewReconciler(service, promMetrics, logger)
	noteLimiter := ratelimit.New(ratelimit.Config{
		Limit:  cfg.NoteRateLimit,
		Window: cfg.NoteRateWindow,
	})

	// Optional Redis for the global per-IP guard
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("Invalid REDIS_URL")
			return 1
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis is not reachable yet, rate limiting will retry")
		}
		cancel()
	}
	limiterStore, err := middleware.NewLimiterStore(redisClient)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create rate limiter store")
		return 1
	}

	// Vendors
	vendorClient, err := httpclient.NewFromServerConfig(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create vendor HTTP client")
		return 1
	}
	logger.Info().Str("proxy", httpclient.ProxyInfo(&cfg.Proxy)).Msg("Vendor HTTP client ready")
	if cfg.OpenAIAPIKey == "" || cfg.DeepgramAPIKey == "" {
		logger.Warn().
			Bool("openai", cfg.OpenAIAPIKey != "").
			Bool("deepgram", cfg.DeepgramAPIKey != "").
			Msg("Vendor API keys missing, note generation will fail")
	}

	pipeline := notes.NewPipeline(
		notes.NewOpenAIGenerator(vendorClient, notes.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, logger),
		notes.NewDeepgramTranscriber(vendorClient, notes.DeepgramConfig{
			APIKey:  cfg.DeepgramAPIKey,
			BaseURL: cfg.DeepgramBaseURL,
		}, logger),
		promMetrics,
		logger,
	).WithTimeout(cfg.NoteTimeout)

	webhooks := billing.NewWebhookProcessor(service, billing.Config{
		Secret: cfg.StripeWebhookSecret,
		Prices: cfg.StripePrices,
	}, promMetrics, logger)

	deps := api.Dependencies{
		Gate:         gate,
		Licenses:     service,
		Reconciler:   reconciler,
		Tokens:       codec,
		Notes:        pipeline,
		Webhooks:     webhooks,
		NoteLimiter:  noteLimiter,
		LimiterStore: limiterStore,
		Cache:        handlers.NewRedisHealthChecker(redisClient),
		Metrics:      promMetrics,
		Gatherer:     registry,
	}
	if backend.Health != nil {
		deps.Database = backend.Health
	}

	router, err := api.NewRouter(api.ConfigFromServer(cfg, Version, Commit, BuildDate), deps, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return 1
	}

	scheduler, err := maintenance.NewScheduler(maintenance.Config{
		Reconciler:        reconciler,
		ReconcileSchedule: cfg.ReconcileSchedule,
		ReconcileOnStart:  true,
		Sweeper:           noteLimiter,
		Usage:             service,
		UsagePublisher:    promMetrics,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create maintenance scheduler")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      cfg.WriteTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
		return 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return 0
}

func newLogger(cfg config.ServerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if !cfg.IsProduction() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger
}
