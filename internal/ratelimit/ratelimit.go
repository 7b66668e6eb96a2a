// Package ratelimit provides per-client token bucket middleware for the escrow API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per anonymous client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// AuthenticatedMultiplier scales both values for callers with an API key
	AuthenticatedMultiplier int
	// IdleTTL is how long an unused bucket is kept
	IdleTTL time.Duration
	// CleanupInterval is how often idle buckets are evicted
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute:       60, // 1 req/sec average
		BurstSize:               10,
		AuthenticatedMultiplier: 5,
		IdleTTL:                 10 * time.Minute,
		CleanupInterval:         time.Minute,
	}
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	cfg   Config
	now   func() time.Time
	mu    sync.Mutex
	byKey map[string]*entry
	stop  chan struct{}
	once  sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a new rate limiter and starts its eviction loop.
func New(cfg Config) *Limiter {
	if cfg.AuthenticatedMultiplier < 1 {
		cfg.AuthenticatedMultiplier = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:   cfg,
		now:   time.Now,
		byKey: make(map[string]*entry),
		stop:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict(l.now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	for key, e := range l.byKey {
		if e.lastSeen.Before(cutoff) {
			delete(l.byKey, key)
		}
	}
	l.mu.Unlock()
}

// Stop stops the cleanup goroutine. Safe to call twice.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow checks if a request for key should be allowed.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.allow(key, 1)
	return ok
}

// allow spends one token from key's bucket. On refusal it also returns
// how long until a token is available.
func (l *Limiter) allow(key string, multiplier int) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	e, ok := l.byKey[key]
	if !ok {
		perSecond := float64(l.cfg.RequestsPerMinute*multiplier) / 60.0
		e = &entry{limiter: rate.NewLimiter(rate.Limit(perSecond), l.cfg.BurstSize*multiplier)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Size returns the number of tracked buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

// Middleware returns a Gin middleware that rate limits by authenticated
// party, falling back to client IP. It must run after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, tier, mult := "ip:"+c.ClientIP(), "anonymous", 1
		if addr := auth.GetAuthenticatedAddress(c); !addr.IsZero() {
			key, tier, mult = "party:"+addr.String(), "authenticated", l.cfg.AuthenticatedMultiplier
		}

		ok, wait := l.allow(key, mult)
		if !ok {
			metrics.RateLimitedTotal.WithLabelValues(tier).Inc()
			retryAfter := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
