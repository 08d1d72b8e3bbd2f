// ratelimit.go provides Gin middleware that enforces per-client rate limits on the history API,
// returning 429 responses when a client exceeds its requests-per-minute budget. A single
// instance uses the in-memory token bucket; several instances share a Redis backed limiter.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often idle in-memory entries are dropped
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns the limits applied to read endpoints
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 300,
		BurstSize:         50,
		CleanupInterval:   5 * time.Minute,
	}
}

// WriteRateLimitConfig returns the stricter limits applied to change and comment endpoints
func WriteRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
	}
}

// LimitResult is the outcome of one rate limit check
type LimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	Take(ctx context.Context, key string) (LimitResult, error)
}

// rateLimitEntry tracks the token bucket of a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements an in-memory token bucket rate limiter
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*rateLimitEntry
	mu      sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given config
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	go rl.cleanup()

	return rl
}

// cleanup periodically removes entries idle for more than 10 minutes
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, entry := range rl.entries {
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) ratePerSecond() float64 {
	return float64(rl.config.RequestsPerMinute) / 60.0
}

// refill brings entry up to date and returns it, creating a full bucket for new keys.
func (rl *RateLimiter) refill(key string, now time.Time) *rateLimitEntry {
	entry, exists := rl.entries[key]
	if !exists {
		entry = &rateLimitEntry{tokens: float64(rl.config.BurstSize), lastUpdate: now}
		rl.entries[key] = entry
		return entry
	}
	elapsed := now.Sub(entry.lastUpdate).Seconds()
	entry.tokens = math.Min(float64(rl.config.BurstSize), entry.tokens+elapsed*rl.ratePerSecond())
	entry.lastUpdate = now
	return entry
}

// Allow checks if a request from the given key should be allowed
func (rl *RateLimiter) Allow(key string) bool {
	res, _ := rl.Take(context.Background(), key)
	return res.Allowed
}

// Take implements Limiter
func (rl *RateLimiter) Take(_ context.Context, key string) (LimitResult, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry := rl.refill(key, rl.now())
	res := LimitResult{Limit: rl.config.RequestsPerMinute}

	if entry.tokens >= 1 {
		entry.tokens--
		res.Allowed = true
		res.Remaining = int(entry.tokens)
		return res, nil
	}

	if rate := rl.ratePerSecond(); rate > 0 {
		res.RetryAfter = time.Duration((1 - entry.tokens) / rate * float64(time.Second))
	} else {
		res.RetryAfter = time.Minute
	}
	return res, nil
}

// RemainingTokens returns how many tokens are left for a key
func (rl *RateLimiter) RemainingTokens(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if _, exists := rl.entries[key]; !exists {
		return rl.config.BurstSize
	}
	return int(rl.refill(key, rl.now()).tokens)
}

// RedisRateLimiter is a Limiter shared by every instance through Redis (GCRA via redis_rate)
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
	logger  *slog.Logger
}

// NewRedisRateLimiter creates a Redis backed limiter. Keys are stored under prefix.
func NewRedisRateLimiter(limiter *redis_rate.Limiter, config RateLimitConfig, prefix string, logger *slog.Logger) *RedisRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	limit := redis_rate.PerMinute(config.RequestsPerMinute)
	if config.BurstSize > 0 {
		limit.Burst = config.BurstSize
	}
	return &RedisRateLimiter{limiter: limiter, limit: limit, prefix: prefix, logger: logger}
}

// Take implements Limiter. When Redis is unreachable the request is allowed and the error logged.
func (rl *RedisRateLimiter) Take(ctx context.Context, key string) (LimitResult, error) {
	res, err := rl.limiter.Allow(ctx, rl.prefix+key, rl.limit)
	if err != nil {
		rl.logger.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
		return LimitResult{Allowed: true, Limit: rl.limit.Rate}, err
	}
	return LimitResult{
		Allowed:    res.Allowed > 0,
		Limit:      rl.limit.Rate,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// RateLimitMiddleware creates a Gin middleware that rate limits requests per client
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, _ := limiter.Take(c.Request.Context(), getRateLimitKey(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// getRateLimitKey keys requests by acting user when known, by client IP otherwise
func getRateLimitKey(c *gin.Context) string {
	if id := c.GetString(UserIDKey); id != "" {
		return "user:" + id
	}
	if id := c.GetHeader(UserIDHeader); id != "" {
		return "user:" + id
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
