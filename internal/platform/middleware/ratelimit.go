package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds the token bucket parameters applied per key.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig is the fallback when config leaves the limits
// unset.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200}
}

// bucketIdleEvict is how long a key may sit unused before its bucket is
// dropped, bounding memory across many clinics and IPs.
const bucketIdleEvict = 10 * time.Minute

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// limiter is a keyed token bucket set behind one mutex. Contention is fine
// at the request rates a practice backend sees.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimitConfig
	nextGC  time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	return &limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		nextGC:  time.Now().Add(bucketIdleEvict),
	}
}

// take refills the key's bucket for the elapsed time, spends one token if
// available, and reports whether the request may pass plus a retry hint in
// seconds when it may not.
func (l *limiter) take(key string) (bool, int) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextGC) {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > bucketIdleEvict {
				delete(l.buckets, k)
			}
		}
		l.nextGC = now.Add(bucketIdleEvict)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastSeen: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * l.cfg.RequestsPerSecond
	if max := float64(l.cfg.BurstSize); b.tokens > max {
		b.tokens = max
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false, int((1-b.tokens)/l.cfg.RequestsPerSecond) + 1
	}
	b.tokens--
	return true, 0
}

// RateLimit throttles requests per clinic+IP, so one busy clinic cannot
// starve the others behind a shared NAT.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := newLimiter(cfg)
	limitHeader := strconv.FormatFloat(l.cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if slug, ok := c.Get("jwt_clinic_slug").(string); ok && slug != "" {
				key = slug + ":" + key
			}

			allowed, retryAfter := l.take(key)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			if !allowed {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
