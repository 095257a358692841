package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"cashflow/internal/logger"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window limiter backed by Redis INCR/EXPIRE.
// A nil limiter, or one without a reachable Redis, lets every request through.
type RateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter connects to addr. If addr is empty or the ping fails the
// limiter stays fail-open so the API remains available.
func NewRedisRateLimiter(addr, password string, db int) *RateLimiter {
	if addr == "" {
		return &RateLimiter{}
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, rate limiting disabled", "addr", addr, "error", err)
		_ = client.Close()
		return &RateLimiter{}
	}
	return &RateLimiter{client: client}
}

func (l *RateLimiter) Enabled() bool { return l != nil && l.client != nil }

func (l *RateLimiter) Close() error {
	if !l.Enabled() {
		return nil
	}
	return l.client.Close()
}

// PerClient limits by client IP. key format: rl:<window_seconds>:<ip>
func (l *RateLimiter) PerClient(maxRequests int, window time.Duration) gin.HandlerFunc {
	return l.limit("rl", maxRequests, window, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// PerMerchant limits by the :merchantId path parameter, so one noisy merchant
// cannot starve the others behind a shared gateway IP.
// key format: rl_merchant:<window_seconds>:<merchantId>
func (l *RateLimiter) PerMerchant(maxRequests int, window time.Duration) gin.HandlerFunc {
	return l.limit("rl_merchant", maxRequests, window, func(c *gin.Context) string {
		return c.Param("merchantId")
	})
}

func (l *RateLimiter) limit(prefix string, maxRequests int, window time.Duration, ident func(*gin.Context) string) gin.HandlerFunc {
	windowSeconds := strconv.FormatInt(int64(window.Seconds()), 10)
	return func(c *gin.Context) {
		if !l.Enabled() {
			c.Next()
			return
		}

		key := prefix + ":" + windowSeconds + ":" + ident(c)
		ctx, cancel := context.WithTimeout(c.Request.Context(), 500*time.Millisecond)
		defer cancel()

		val, err := l.client.Incr(ctx, key).Result()
		if err != nil {
			// fail-open
			c.Header("X-RateLimit-Error", "redis-error")
			c.Next()
			return
		}
		if val == 1 {
			l.client.Expire(ctx, key, window)
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(max(0, int64(maxRequests)-val), 10))

		if val > int64(maxRequests) {
			RLBlocked.WithLabelValues(prefix + ":" + c.FullPath()).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": int(window.Seconds()),
			})
			return
		}

		RLRequests.WithLabelValues(prefix + ":" + c.FullPath()).Inc()
		c.Next()
	}
}
