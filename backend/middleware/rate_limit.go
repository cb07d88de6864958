package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AnTengye/securetrack/backend/config"
	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/gin-gonic/gin"
)

// RateLimiter is a fixed-window counter per client
type RateLimiter struct {
	mu      sync.Mutex
	counts  map[string]int
	started time.Time
	rate    int           // requests per window
	window  time.Duration // time window
	now     func() time.Time
}

func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counts:  make(map[string]int),
		started: time.Now(),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// Allow counts one request for key. When the window is exhausted it
// returns false and how long until the window resets.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.started) >= l.window {
		l.counts = make(map[string]int)
		l.started = now
	}

	if l.counts[key] >= l.rate {
		return false, l.window - now.Sub(l.started)
	}
	l.counts[key]++
	return true, 0
}

// RateLimit limits requests per client IP
func RateLimit(cfg *config.RateLimitConfig) gin.HandlerFunc {
	limiter := NewRateLimiter(cfg.Requests, cfg.Window())

	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		ok, retryAfter := limiter.Allow(clientIP)
		if !ok {
			logger.Warn(c.Request.Context(), "rate limit exceeded", "client_ip", clientIP)

			secs := int(retryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			abort(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded. Please try again later.")
			return
		}

		c.Next()
	}
}
