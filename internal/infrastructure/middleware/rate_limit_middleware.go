package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"rillcast/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token bucket per key (usually a client IP).
type KeyedLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func NewKeyedLimiter(r rate.Limit, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

// PerMinute allows n events per minute per key, all of them in one burst.
func PerMinute(n int) *KeyedLimiter {
	return NewKeyedLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}

func (s *KeyedLimiter) Allow(key string) bool {
	s.mu.Lock()
	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

// ClientIP prefers the first X-Forwarded-For hop, then the remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware applies per-IP request limits and an optional
// cap on requests in flight.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	limiter := NewKeyedLimiter(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var inflight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inflight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inflight != nil {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many concurrent requests",
				})
				return
			}
		}

		if !limiter.Allow(ClientIP(c.Request)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
