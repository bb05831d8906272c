package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"concierge/internal/constants"
	"concierge/pkg/metrics"
)

type RateLimitConfig struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store keeps one token bucket per caller. Callers presenting an API key are limited per key,
// everyone else per client IP.
type Store struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewStore(cfg RateLimitConfig) *Store {
	defaults := DefaultConfig()
	if cfg.RPS <= 0 {
		cfg.RPS = defaults.RPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaults.MaxAge
	}
	return &Store{cfg: cfg, entries: make(map[string]*entry), now: time.Now}
}

// Allow takes a token for key and reports the tokens left.
func (s *Store) Allow(key string) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(s.cfg.RPS), s.cfg.Burst)}
		s.entries[key] = e
	}
	e.lastSeen = now

	allowed := e.limiter.AllowN(now, 1)
	remaining := int(e.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

// Evict drops callers idle for longer than MaxAge and returns how many were removed.
func (s *Store) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.MaxAge)
	removed := 0
	for key, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *Store) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Middleware rejects requests over the limit with 429.
func (s *Store) Middleware() gin.HandlerFunc {
	limit := strconv.FormatFloat(s.cfg.RPS, 'f', -1, 64)

	return func(c *gin.Context) {
		allowed, remaining := s.Allow(callerKey(c))

		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		c.Next()
	}
}

func callerKey(c *gin.Context) string {
	if key := c.GetHeader(constants.HeaderAPIKey); key != "" {
		return "key:" + key
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.RemoteIP()
	}
	return "ip:" + ip
}

// RateLimitMiddleware builds a Store and evicts idle callers every CleanupInterval.
func RateLimitMiddleware(config RateLimitConfig) gin.HandlerFunc {
	store := NewStore(config)

	go func() {
		ticker := time.NewTicker(store.cfg.CleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			store.Evict()
		}
	}()

	return store.Middleware()
}
