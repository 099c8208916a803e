package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/policeconduct/formsapi/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more request from key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimiter is a fixed-window, per-key counter held in process memory.
type RateLimiter struct {
	mu        sync.Mutex
	tokens    map[string]int
	lastReset time.Time
	rate      int           // requests per window
	window    time.Duration // time window
	now       func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:    make(map[string]int),
		lastReset: time.Now(),
		rate:      rate,
		window:    window,
		now:       time.Now,
	}
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.now().Sub(l.lastReset) > l.window {
		l.tokens = make(map[string]int)
		l.lastReset = l.now()
	}

	count := l.tokens[key]
	if count >= l.rate {
		return false, nil
	}
	l.tokens[key] = count + 1
	return true, nil
}

const redisRateKeyPrefix = "forms:ratelimit:"

// RedisRateLimiter shares fixed-window counters between instances. The
// counter for a window is created by INCR and expires with the window.
type RedisRateLimiter struct {
	client *redis.Client
	rate   int
	window time.Duration
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, rate int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		rate:   rate,
		window: window,
		now:    time.Now,
	}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s%s:%d", redisRateKeyPrefix, key, slot)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= int64(l.rate), nil
}

// fallbackLimiter uses primary and switches to the in-memory limiter for any
// request where primary fails, so a store outage never blocks the forms.
type fallbackLimiter struct {
	primary  Limiter
	fallback Limiter
}

// WithFallback wraps primary so that its errors are answered by fallback.
func WithFallback(primary, fallback Limiter) Limiter {
	return &fallbackLimiter{primary: primary, fallback: fallback}
}

func (f *fallbackLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := f.primary.Allow(ctx, key)
	if err == nil {
		return ok, nil
	}
	logger.Warn(ctx, "forms.ratelimit.store_unavailable", "error", err.Error())
	return f.fallback.Allow(ctx, key)
}

// RateLimit middleware limits requests per client IP. Preflight requests are
// answered before this middleware and never count.
func RateLimit(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		ok, err := limiter.Allow(c.Request.Context(), clientIP)
		if err != nil {
			logger.Error(c.Request.Context(), "forms.ratelimit.error", "error", err.Error())
			c.Next()
			return
		}
		if !ok {
			logger.Warn(c.Request.Context(), "forms.ratelimit.exceeded", "client_ip", clientIP)

			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}

		c.Next()
	}
}
