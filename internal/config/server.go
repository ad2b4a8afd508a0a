// Package config provides configuration management for the dentalnotes server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/models"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// DefaultMaxUploadBytes caps audio uploads at 25 MiB.
const DefaultMaxUploadBytes = 25 << 20

const (
	// DefaultNoteTimeout bounds one note request, vendor retries included.
	DefaultNoteTimeout = 4 * time.Minute
	// WriteTimeoutMargin is added to NoteTimeout for the server write timeout.
	WriteTimeoutMargin = 30 * time.Second
)

// ProxyConfig holds outbound proxy settings for vendor calls.
type ProxyConfig struct {
	HTTPProxy   string
	HTTPSProxy  string
	NoProxy     string
	SOCKS5Proxy string
}

// HasProxy reports whether any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p != nil && (p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != "")
}

// ServerConfig holds server configuration loaded from environment variables.
type ServerConfig struct {
	Environment     Environment
	LogLevel        string
	ListenAddr      string
	ShutdownTimeout time.Duration

	DatabaseURL string

	JWTSecret    string
	JWTAlgorithm string
	TokenTTL     time.Duration

	NoteRateLimit     int
	NoteRateWindow    time.Duration
	RateLimitRequests int64
	RateLimitPeriod   string
	RedisURL          string

	BillingCycle      time.Duration
	ReconcileSchedule string
	PlanLimits        models.PlanLimits

	StripeWebhookSecret string
	// StripePrices maps a Stripe price id to the plan it sells.
	StripePrices map[string]models.PlanType

	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIBaseURL   string
	DeepgramAPIKey  string
	DeepgramBaseURL string
	VendorTimeout   time.Duration
	// NoteTimeout bounds one note request end to end, retries included.
	NoteTimeout time.Duration
	Proxy       ProxyConfig

	AdminAPIKey    string
	CORSOrigins    []string
	MaxUploadBytes int64

	// TrustProxyHeaders keys the note limiter on X-Forwarded-For when set.
	TrustProxyHeaders bool
}

// LoadServerConfig reads server configuration from environment variables.
// Call LoadDotEnv first to pick up a .env file.
func LoadServerConfig() ServerConfig {
	env := Environment(strings.ToLower(os.Getenv("ENV")))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	listenAddr := getEnv("LISTEN_ADDR", "")
	if listenAddr == "" {
		listenAddr = ":" + getEnv("PORT", "8000")
	}

	noteRateLimit := getEnvInt("NOTE_RATE_LIMIT", 10)
	if noteRateLimit <= 0 {
		noteRateLimit = 10
	}

	rateLimitRequests := int64(getEnvInt("RATE_LIMIT_REQUESTS", 100))
	if rateLimitRequests <= 0 {
		rateLimitRequests = 100
	}

	cycleDays := getEnvInt("BILLING_CYCLE_DAYS", 30)
	if cycleDays <= 0 {
		cycleDays = 30
	}

	limits := models.DefaultPlanLimits()
	for _, plan := range models.ValidPlanTypes() {
		key := "PLAN_LIMIT_" + strings.ToUpper(string(plan))
		if n := getEnvInt(key, limits[plan]); n >= 0 {
			limits[plan] = n
		}
	}

	prices := make(map[string]models.PlanType)
	for _, plan := range models.ValidPlanTypes() {
		key := "STRIPE_PRICE_" + strings.ToUpper(string(plan))
		if id := getEnv(key, ""); id != "" {
			prices[id] = plan
		}
	}

	maxUpload := int64(getEnvInt("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes))
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}

	return ServerConfig{
		Environment:     env,
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		ListenAddr:      listenAddr,
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTAlgorithm: strings.ToUpper(getEnv("JWT_ALGORITHM", "HS256")),
		TokenTTL:     time.Duration(getEnvInt("JWT_EXPIRATION_MINUTES", 60)) * time.Minute,

		NoteRateLimit:     noteRateLimit,
		NoteRateWindow:    getEnvDuration("NOTE_RATE_WINDOW", 60*time.Second),
		RateLimitRequests: rateLimitRequests,
		RateLimitPeriod:   getEnv("RATE_LIMIT_PERIOD", "1m"),
		RedisURL:          getEnv("REDIS_URL", ""),

		BillingCycle:      time.Duration(cycleDays) * 24 * time.Hour,
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "0 3 * * *"),
		PlanLimits:        limits,

		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePrices:        prices,

		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4"),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		DeepgramAPIKey:  os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramBaseURL: getEnv("DEEPGRAM_BASE_URL", "https://api.deepgram.com"),
		VendorTimeout:   getEnvDuration("VENDOR_TIMEOUT", 120*time.Second),
		NoteTimeout:     getEnvDuration("NOTE_TIMEOUT", DefaultNoteTimeout),
		Proxy: ProxyConfig{
			HTTPProxy:   getEnv("HTTP_PROXY", ""),
			HTTPSProxy:  getEnv("HTTPS_PROXY", ""),
			NoProxy:     getEnv("NO_PROXY", ""),
			SOCKS5Proxy: getEnv("SOCKS5_PROXY", ""),
		},

		AdminAPIKey:    os.Getenv("ADMIN_API_KEY"),
		CORSOrigins:    splitList(os.Getenv("CORS_ORIGINS")),
		MaxUploadBytes: maxUpload,

		TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", true),
	}
}

// WriteTimeout is the HTTP server write timeout. It outlasts NoteTimeout so
// a note request that hits its deadline can still write its error response.
func (c ServerConfig) WriteTimeout() time.Duration {
	return c.NoteTimeout + WriteTimeoutMargin
}

// IsProduction reports whether the server runs in production.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate reports missing or inconsistent settings.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	switch c.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Errorf("JWT_ALGORITHM %q is not supported", c.JWTAlgorithm))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_EXPIRATION_MINUTES must be positive"))
	}
	if _, err := time.ParseDuration(c.RateLimitPeriod); err != nil {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PERIOD: %w", err))
	}
	if c.NoteTimeout <= 0 {
		errs = append(errs, errors.New("NOTE_TIMEOUT must be positive"))
	}
	if c.NoteRateWindow <= 0 {
		errs = append(errs, errors.New("NOTE_RATE_WINDOW must be positive"))
	}
	if c.AdminAPIKey != "" && len(strings.TrimSpace(c.AdminAPIKey)) < 24 {
		errs = append(errs, errors.New("ADMIN_API_KEY must be at least 24 characters"))
	}
	if c.IsProduction() {
		if len(c.CORSOrigins) == 0 {
			errs = append(errs, errors.New("CORS_ORIGINS must be set in production"))
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET must be set in production"))
		}
	}
	return errors.Join(errs...)
}

// getEnv reads a string from an environment variable, returning the default if unset.
func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a duration such as "90s" or a bare number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(val); err == nil {
		if n <= 0 {
			return defaultVal
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
