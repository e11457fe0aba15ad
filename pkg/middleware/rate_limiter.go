package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/examly/billing/pkg/logger"
	"github.com/examly/billing/pkg/models"
)

const (
	evictInterval = 3 * time.Minute
	// maxIdle is how long a client bucket survives without traffic. Stripe
	// webhook deliveries come from a small, stable IP set, so buckets for
	// those stay warm across renewal bursts.
	maxIdle = 10 * time.Minute
)

// client pairs a token bucket with its last activity so idle entries can be
// evicted without touching active ones.
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-IP token bucket to the routes it is mounted on.
// The API carries one instance globally and a second, more permissive one on
// the webhook route.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	log     logger.Logger
}

// NewRateLimiter creates a per-IP limiter allowing requestsPerMinute sustained
// throughput with the given burst.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		log:     logger.Default(),
	}
	go rl.evictIdle()
	return rl
}

// allow consumes one token for the IP, creating its bucket on first sight.
func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.clients[ip]
	if !ok {
		cl = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter.Allow()
}

func (rl *RateLimiter) evictIdle() {
	for range time.Tick(evictInterval) {
		rl.mu.Lock()
		for ip, cl := range rl.clients {
			if time.Since(cl.lastSeen) > maxIdle {
				delete(rl.clients, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware enforces the limiter, answering 429 with the standard
// error body and a Retry-After hint.
func (rl *RateLimiter) RateLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if ip == "" {
				ip = c.Request().RemoteAddr
			}

			if !rl.allow(ip) {
				rl.log.Warn("rate limit exceeded", "ip", ip, "path", c.Path())
				c.Response().Header().Set("Retry-After", "60")
				return c.JSON(http.StatusTooManyRequests, models.ErrorResponse{
					Error:   "rate_limit_exceeded",
					Message: "Too many requests. Please try again later.",
				})
			}

			return next(c)
		}
	}
}
