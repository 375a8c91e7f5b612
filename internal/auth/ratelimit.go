package auth

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rate"`
	Burst             int     `yaml:"burst"`
}

// DefaultRateLimitConfig returns the default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// ParseRateLimit parses "rate:burst" (e.g. "10:20" means 10 req/s with a
// burst of 20). Missing or invalid parts keep the values of base.
func ParseRateLimit(val string, base RateLimitConfig) RateLimitConfig {
	cfg := base
	if val == "" {
		return cfg
	}
	parts := strings.SplitN(val, ":", 2)
	if r, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err == nil && r > 0 {
		cfg.RequestsPerSecond = r
	}
	if len(parts) > 1 {
		if burst, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && burst > 0 {
			cfg.Burst = burst
		}
	}
	return cfg
}

// RateLimitConfigFromEnv reads CHECKIN_RATE_LIMIT on top of the defaults.
func RateLimitConfigFromEnv() RateLimitConfig {
	return ParseRateLimit(os.Getenv("CHECKIN_RATE_LIMIT"), DefaultRateLimitConfig())
}

// RateLimiter applies a token bucket per client and blocks clients that
// keep failing authentication.
type RateLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*client

	authMu       sync.Mutex
	authFailures map[string]*authBucket
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type authBucket struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

const (
	authMaxFailures   = 10
	authWindowDur     = 1 * time.Minute
	authBlockDur      = 5 * time.Minute
	authEvictInterval = 10 * time.Minute
	clientIdle        = 10 * time.Minute
	evictThreshold    = 1000
)

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 || config.Burst <= 0 {
		config = ParseRateLimit("", DefaultRateLimitConfig())
	}
	return &RateLimiter{
		config:       config,
		now:          time.Now,
		clients:      make(map[string]*client),
		authFailures: make(map[string]*authBucket),
	}
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= evictThreshold {
			for k, old := range rl.clients {
				if now.Sub(old.lastSeen) > clientIdle {
					delete(rl.clients, k)
				}
			}
		}
		c = &client{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// IsAuthBlocked checks if an IP is blocked due to too many auth failures.
func (rl *RateLimiter) IsAuthBlocked(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return false
	}
	if rl.now().Before(b.blockedUntil) {
		return true
	}
	if !b.blockedUntil.IsZero() {
		delete(rl.authFailures, ip)
	}
	return false
}

// AuthBlockRetryAfter returns the number of seconds until the block expires.
func (rl *RateLimiter) AuthBlockRetryAfter(ip string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return 0
	}
	remaining := b.blockedUntil.Sub(rl.now()).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records a failed authentication attempt from an IP.
// Returns true if the IP is now blocked.
func (rl *RateLimiter) AuthFailure(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := rl.now()
	b, ok := rl.authFailures[ip]
	if !ok {
		if len(rl.authFailures) >= evictThreshold {
			rl.evictStaleAuthEntries(now)
		}
		b = &authBucket{windowStart: now}
		rl.authFailures[ip] = b
	}
	if now.Sub(b.windowStart) > authWindowDur {
		b.failures = 0
		b.windowStart = now
	}

	b.failures++
	if b.failures >= authMaxFailures {
		b.blockedUntil = now.Add(authBlockDur)
		return true
	}
	return false
}

// AuthSuccess clears auth failure tracking for an IP.
func (rl *RateLimiter) AuthSuccess(ip string) {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.authFailures, ip)
}

func (rl *RateLimiter) evictStaleAuthEntries(now time.Time) {
	for ip, b := range rl.authFailures {
		if !b.blockedUntil.IsZero() && now.After(b.blockedUntil) {
			delete(rl.authFailures, ip)
		} else if b.blockedUntil.IsZero() && now.Sub(b.windowStart) > authEvictInterval {
			delete(rl.authFailures, ip)
		}
	}
}

// Middleware returns HTTP middleware that applies rate limiting.
// keyFunc extracts the rate limit key, usually the client IP.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	retryAfter := fmt.Sprintf("%.0f", max(1, 1.0/rl.config.RequestsPerSecond))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key != "" && !rl.Allow(key) {
				w.Header().Set("Retry-After", retryAfter)
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded. Try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKeyFunc extracts the client IP from the request for rate limiting.
func ClientIPKeyFunc(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
