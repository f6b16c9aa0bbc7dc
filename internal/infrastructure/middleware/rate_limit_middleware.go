package middleware

import (
	"net/http"
	"sync"
	"time"

	"chatcall/pkg/config"
	"chatcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore keeps one limiter per client IP.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// NewHTTPRateLimitMiddleware limits requests per client IP and, optionally,
// the number of requests in flight.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

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
					"error":   string(errors.ErrCodeServiceUnavailable),
					"message": "too many concurrent requests",
				})
				return
			}
		}

		if !store.getLimiter(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   string(errors.ErrCodeRateLimit),
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// ConnectionLimiter gates event stream connections: a per-IP rate of new
// connections and a cap on open ones.
type ConnectionLimiter struct {
	store *rateLimiterStore
	open  chan struct{}
}

// NewConnectionLimiter returns nil when rate limiting is disabled. A nil
// limiter admits everything.
func NewConnectionLimiter(cfg *config.Config) *ConnectionLimiter {
	if !cfg.RateLimiting.Enabled {
		return nil
	}
	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	l := &ConnectionLimiter{
		store: newRateLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
	if limit := cfg.RateLimiting.WebSocket.MaxConcurrent; limit > 0 {
		l.open = make(chan struct{}, limit)
	}
	return l
}

// Acquire admits a connection from ip. The returned release must be called
// when the connection closes.
func (l *ConnectionLimiter) Acquire(ip string) (release func(), ok bool) {
	if l == nil {
		return func() {}, true
	}
	if !l.store.getLimiter(ip).Allow() {
		return nil, false
	}
	if l.open == nil {
		return func() {}, true
	}
	select {
	case l.open <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.open }) }, true
	default:
		return nil, false
	}
}
