package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/auth"
	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// RateLimitRecorder counts rejected requests per limiter scope.
type RateLimitRecorder interface {
	RecordRateLimited(scope string)
}

// NewLimiterStore returns a Redis-backed store when client is non-nil and an
// in-process store otherwise.
func NewLimiterStore(client *redis.Client) (limiter.Store, error) {
	if client == nil {
		return memory.NewStore(), nil
	}
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   "dentalnotes_limiter",
		MaxRetry: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("create redis limiter store: %w", err)
	}
	return store, nil
}

// NewRateLimiter creates the coarse per-IP guard applied to every route.
// requests is the number of requests allowed per period.
// period is a duration string (e.g., "1m", "1h", "24h").
func NewRateLimiter(requests int64, period string, store limiter.Store, recorder RateLimitRecorder) (gin.HandlerFunc, error) {
	duration, err := time.ParseDuration(period)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit period %q: %w", period, err)
	}
	if store == nil {
		store = memory.NewStore()
	}

	instance := limiter.New(store, limiter.Rate{Period: duration, Limit: requests})

	return mgin.NewMiddleware(instance,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			if recorder != nil {
				recorder.RecordRateLimited("global")
			}
			c.Set(string(DenyReasonContextKey), license.ReasonRateLimited)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":  "too many requests",
				"reason": license.ReasonRateLimited,
			})
		}),
	), nil
}

// NoteLimiterConfig configures NoteRateLimit.
type NoteLimiterConfig struct {
	Limiter *ratelimit.SlidingWindow
	// Tokens resolves the caller's subject from the bearer token. Optional.
	Tokens license.TokenDecoder
	// TrustForwardedFor keys anonymous callers on the first X-Forwarded-For hop.
	TrustForwardedFor bool
	Recorder          RateLimitRecorder
}

// NoteRateLimit applies the sliding-window limiter to note generation. It
// must run before the access gate so that rejected requests never consume
// quota.
func NoteRateLimit(cfg NoteLimiterConfig, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "note_limiter").Logger()

	return func(c *gin.Context) {
		id := limiterKey(c, cfg)
		d := cfg.Limiter.Check(id)

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			if cfg.Recorder != nil {
				cfg.Recorder.RecordRateLimited("notes")
			}
			log.Debug().Str("limiter_key", id).Dur("retry_after", d.RetryAfter).Msg("note request rate limited")
			abortWithError(c, license.NewError(license.ReasonRateLimited, nil))
			return
		}

		c.Next()
	}
}

// limiterKey prefers the verified token subject, then the forwarded client
// address, then the connection address.
func limiterKey(c *gin.Context, cfg NoteLimiterConfig) string {
	if cfg.Tokens != nil {
		if token := auth.CredentialToken(c.GetHeader("Authorization")); token != "" {
			if claims, err := cfg.Tokens.Decode(token); err == nil && claims.Subject != "" {
				return "sub:" + claims.Subject
			}
		}
	}
	if cfg.TrustForwardedFor {
		if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
			if hop := strings.TrimSpace(strings.Split(xff, ",")[0]); hop != "" {
				return "ip:" + hop
			}
		}
	}
	return "ip:" + c.ClientIP()
}
