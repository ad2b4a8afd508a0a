// Package api provides the HTTP API for the dentalnotes server.
package api

import (
	"errors"
	"fmt"

	"github.com/MacJediWizard/dentalnotes/internal/api/handlers"
	"github.com/MacJediWizard/dentalnotes/internal/api/middleware"
	"github.com/MacJediWizard/dentalnotes/internal/auth"
	"github.com/MacJediWizard/dentalnotes/internal/config"
	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/metrics"
	"github.com/MacJediWizard/dentalnotes/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
)

// multipartOverhead is added to the audio cap for form boundaries and fields.
const multipartOverhead = 1 << 20

// Config holds configuration for the API router.
type Config struct {
	Environment config.Environment
	// AllowedOrigins for CORS. Must be set in production.
	AllowedOrigins []string
	// RateLimitRequests is the number of requests allowed per period per IP.
	RateLimitRequests int64
	// RateLimitPeriod is the duration string for rate limiting (e.g. "1m", "1h").
	RateLimitPeriod string
	// TrustProxyHeaders honors X-Forwarded-For for client addresses.
	TrustProxyHeaders bool
	MaxUploadBytes    int64
	AdminAPIKey       string
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		Environment:       config.EnvDevelopment,
		AllowedOrigins:    []string{},
		RateLimitRequests: 100,
		RateLimitPeriod:   "1m",
		TrustProxyHeaders: true,
		MaxUploadBytes:    config.DefaultMaxUploadBytes,
		Version:           "dev",
		Commit:            "unknown",
		BuildDate:         "unknown",
	}
}

// ConfigFromServer derives the router configuration from the server config.
func ConfigFromServer(cfg config.ServerConfig, version, commit, buildDate string) Config {
	return Config{
		Environment:       cfg.Environment,
		AllowedOrigins:    cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitPeriod:   cfg.RateLimitPeriod,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AdminAPIKey:       cfg.AdminAPIKey,
		Version:           version,
		Commit:            commit,
		BuildDate:         buildDate,
	}
}

// Dependencies are the collaborators the router wires into handlers.
type Dependencies struct {
	Gate        *license.Gate
	Licenses    *license.Service
	Reconciler  handlers.CycleReconciler
	Tokens      *auth.TokenCodec
	Notes       handlers.NoteGenerator
	Webhooks    handlers.WebhookProcessor
	NoteLimiter *ratelimit.SlidingWindow
	// LimiterStore backs the global per-IP guard. Defaults to in-memory.
	LimiterStore limiter.Store
	// Database is nil for the in-memory license store.
	Database handlers.DatabaseHealthChecker
	Cache    handlers.CacheHealthChecker
	// Metrics and Gatherer are optional; /metrics is only served with a Gatherer.
	Metrics  *metrics.PrometheusMetrics
	Gatherer prometheus.Gatherer
}

func (d Dependencies) validate() error {
	var errs []error
	if d.Gate == nil {
		errs = append(errs, errors.New("access gate is required"))
	}
	if d.Licenses == nil {
		errs = append(errs, errors.New("license service is required"))
	}
	if d.Reconciler == nil {
		errs = append(errs, errors.New("reconciler is required"))
	}
	if d.Tokens == nil {
		errs = append(errs, errors.New("token codec is required"))
	}
	if d.Notes == nil {
		errs = append(errs, errors.New("note pipeline is required"))
	}
	if d.Webhooks == nil {
		errs = append(errs, errors.New("webhook processor is required"))
	}
	if d.NoteLimiter == nil {
		errs = append(errs, errors.New("note rate limiter is required"))
	}
	return errors.Join(errs...)
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("router dependencies: %w", err)
	}

	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	if !cfg.TrustProxyHeaders {
		if err := r.Engine.SetTrustedProxies(nil); err != nil {
			return nil, fmt.Errorf("configure trusted proxies: %w", err)
		}
	}

	var recorder middleware.RateLimitRecorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())

	cors, err := middleware.CORS(cfg.AllowedOrigins, cfg.Environment, logger)
	if err != nil {
		return nil, err
	}
	r.Engine.Use(cors)

	// Rate limiting
	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod, deps.LimiterStore, recorder)
	if err != nil {
		return nil, err
	}
	r.Engine.Use(rateLimiter)

	maxBody := cfg.MaxUploadBytes
	if maxBody <= 0 {
		maxBody = config.DefaultMaxUploadBytes
	}
	r.Engine.Use(middleware.BodyLimitMiddleware(maxBody + multipartOverhead))

	// Public endpoints
	handlers.NewHealthHandler(deps.Database, deps.Cache, logger).RegisterPublicRoutes(r.Engine)
	handlers.NewVersionHandler(cfg.Version, cfg.Commit, cfg.BuildDate, logger).RegisterPublicRoutes(r.Engine)
	if deps.Gatherer != nil {
		handlers.NewMetricsHandler(deps.Gatherer, logger).RegisterPublicRoutes(r.Engine)
	}
	handlers.NewWebhooksHandler(deps.Webhooks, logger).RegisterPublicRoutes(r.Engine)

	apiV1 := r.Engine.Group("/api/v1")

	// Note generation: the limiter runs before the gate so rejected
	// requests never consume quota.
	noteLimiter := middleware.NoteRateLimit(middleware.NoteLimiterConfig{
		Limiter:           deps.NoteLimiter,
		Tokens:            deps.Tokens,
		TrustForwardedFor: cfg.TrustProxyHeaders,
		Recorder:          recorder,
	}, logger)
	gate := middleware.AccessGateMiddleware(deps.Gate, logger)

	notesHandler := handlers.NewNotesHandler(deps.Notes, maxBody, logger)
	notesHandler.RegisterRoutes(apiV1.Group("", noteLimiter, gate))
	notesHandler.RegisterLegacyRoutes(r.Engine.Group("", noteLimiter, gate))

	handlers.NewLicenseHandler(deps.Gate, logger).RegisterRoutes(apiV1)

	adminGroup := apiV1.Group("", middleware.AdminKeyMiddleware(cfg.AdminAPIKey, logger))
	handlers.NewAdminHandler(deps.Licenses, deps.Reconciler, deps.Tokens, logger).RegisterRoutes(adminGroup)

	r.logger.Info().
		Bool("metrics", deps.Gatherer != nil).
		Bool("admin_api", auth.IsValidAdminKey(cfg.AdminAPIKey)).
		Int("note_rate_limit", deps.NoteLimiter.Limit()).
		Dur("note_rate_window", deps.NoteLimiter.Window()).
		Msg("API routes registered")

	return r, nil
}
