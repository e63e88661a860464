package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// KeyFunc picks the bucket for a request. Defaults to the client IP.
	KeyFunc func(c echo.Context) string
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

// limiters hands out one rate.Limiter per key.
type limiters struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	byKey map[string]*rate.Limiter
}

func (l *limiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byKey[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byKey[key] = lim
	}
	return lim
}

// take consumes one token at now. When none is available it returns how many
// whole seconds until one is.
func take(lim *rate.Limiter, now time.Time) (bool, int) {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, int(math.Ceil(delay.Seconds()))
}

// RateLimit applies a per-key token bucket. Payment creation hits an external
// provider, so the API group is limited rather than the whole server.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	keyFn := cfg.KeyFunc
	if keyFn == nil {
		keyFn = func(c echo.Context) string { return c.RealIP() }
	}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)
	pool := &limiters{
		limit: rate.Limit(cfg.RequestsPerSecond),
		burst: cfg.BurstSize,
		byKey: make(map[string]*rate.Limiter),
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			lim := pool.get(keyFn(c))

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			if allowed, retryAfter := take(lim, time.Now()); !allowed {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
